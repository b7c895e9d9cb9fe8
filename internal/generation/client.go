// Package generation calls the hosted text-generation functions that draft
// medical justifications and appeal letters, and provides the server side
// of those functions.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/apperr"
)

// TokenSource supplies the caller's own access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Client struct {
	functionsURL string
	apiKey       string
	tokens       TokenSource
	http         *http.Client
	logger       zerolog.Logger
}

func New(functionsURL, anonKey string, tokens TokenSource, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		functionsURL: strings.TrimRight(functionsURL, "/"),
		apiKey:       anonKey,
		tokens:       tokens,
		http:         httpClient,
		logger:       logger.With().Str("component", "generation").Logger(),
	}
}

type justificationRequest struct {
	ProcedureDescription string `json:"procedureDescription"`
	DiagnosisDescription string `json:"diagnosisDescription"`
}

type justificationResponse struct {
	Justification string `json:"justification"`
	Error         string `json:"error"`
}

type appealRequest struct {
	RequestID string `json:"requestId"`
	UserName  string `json:"userName"`
}

type appealResponse struct {
	AppealText string `json:"appealText"`
	Error      string `json:"error"`
}

// GenerateJustification drafts a medical-necessity justification.
func (c *Client) GenerateJustification(ctx context.Context, procedureDescription, diagnosisDescription string) (string, error) {
	const op = "generation.GenerateJustification"

	var out justificationResponse
	err := c.invoke(ctx, op, "generate-justification", justificationRequest{
		ProcedureDescription: procedureDescription,
		DiagnosisDescription: diagnosisDescription,
	}, &out, func() string { return out.Error })
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Justification) == "" {
		return "", apperr.Generation(op, "response did not include a justification", nil)
	}
	return out.Justification, nil
}

// GenerateAppeal drafts an appeal letter for a denied request, signed by
// userName.
func (c *Client) GenerateAppeal(ctx context.Context, requestID uuid.UUID, userName string) (string, error) {
	const op = "generation.GenerateAppeal"

	var out appealResponse
	err := c.invoke(ctx, op, "generate-appeal", appealRequest{
		RequestID: requestID.String(),
		UserName:  userName,
	}, &out, func() string { return out.Error })
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.AppealText) == "" {
		return "", apperr.Generation(op, "response did not include appeal text", nil)
	}
	return out.AppealText, nil
}

// invoke posts in to the named function and decodes the reply into out.
// bodyErr reads the decoded {error} field.
func (c *Client) invoke(ctx context.Context, op, name string, in, out interface{}, bodyErr func() string) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	b, err := json.Marshal(in)
	if err != nil {
		return apperr.Generation(op, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.functionsURL+"/"+name, bytes.NewReader(b))
	if err != nil {
		return apperr.Network(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Network(op, err)
	}

	decodeErr := json.Unmarshal(data, out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := ""
		if decodeErr == nil {
			detail = bodyErr()
		}
		if detail == "" {
			detail = fmt.Sprintf("%s returned status %d", name, resp.StatusCode)
		}
		c.logger.Warn().Str("function", name).Int("status", resp.StatusCode).Str("detail", detail).Msg("generation failed")
		return apperr.Generation(op, detail, nil)
	}
	if decodeErr != nil {
		return apperr.Generation(op, "malformed response from "+name, decodeErr)
	}
	if msg := bodyErr(); msg != "" {
		return apperr.Generation(op, msg, nil)
	}
	return nil
}
