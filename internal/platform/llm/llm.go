// Package llm wraps an OpenAI-compatible chat-completion endpoint behind a
// one-call interface.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/priorauth/priorauth/internal/platform/apperr"
)

// Prompt is a single-turn completion request.
type Prompt struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string, httpClient *http.Client) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// Complete returns the trimmed text of the first choice.
func (o *OpenAI) Complete(ctx context.Context, p Prompt) (string, error) {
	const op = "llm.Complete"

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", apperr.Generation(op, "OpenAI API error: "+apiErr.Message, err)
		}
		return "", apperr.Network(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Generation(op, "completion returned no choices", nil)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", apperr.Generation(op, "completion returned empty text", nil)
	}
	return text, nil
}
