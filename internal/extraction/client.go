// Package extraction uploads source documents to the form-extraction
// service and decodes the prefilled request fields it returns.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/apperr"
)

const (
	extractPath   = "/api/v1/extract-form-data"
	defaultDetail = "Failed to extract form data"
)

type File struct {
	Name        string
	ContentType string
	Content     io.Reader
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func New(apiBaseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(apiBaseURL, "/"),
		http:    httpClient,
		logger:  logger.With().Str("component", "extraction").Logger(),
	}
}

// Extract sends all files in one multipart request.
func (c *Client) Extract(ctx context.Context, files []File) (*FormData, error) {
	const op = "extraction.Extract"
	if len(files) == 0 {
		return nil, apperr.Extraction(op, "at least one file is required", nil)
	}

	body, contentType, err := encodeFiles(files)
	if err != nil {
		return nil, apperr.Extraction(op, "could not read uploaded file", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+extractPath, body)
	if err != nil {
		return nil, apperr.Network(op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Network(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := errorDetail(data)
		c.logger.Warn().Int("status", resp.StatusCode).Str("detail", detail).Int("files", len(files)).Msg("extraction failed")
		return nil, apperr.Extraction(op, detail, nil)
	}

	var out FormData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperr.Extraction(op, "malformed extraction response", err)
	}
	c.logger.Debug().Int("files", len(files)).Str("model", out.ProcessingMetadata.Model).Msg("extracted form data")
	return &out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeFiles(files []File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, "", fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// errorDetail reads the service's {"detail": ...} body. Structured details
// (validation error lists) fall back to the generic message.
func errorDetail(data []byte) string {
	var eb struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &eb) != nil || len(eb.Detail) == 0 {
		return defaultDetail
	}
	var s string
	if json.Unmarshal(eb.Detail, &s) != nil || s == "" {
		return defaultDetail
	}
	return s
}
