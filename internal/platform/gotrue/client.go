// Package gotrue is a small client for a GoTrue-compatible identity provider
// REST API: password sign-in, sign-up, token refresh, sign-out and user
// lookup.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/priorauth/priorauth/internal/platform/apperr"
)

// User is the provider's user record.
type User struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Role         string                 `json:"role"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Session is a token grant. ExpiresAt is a unix timestamp.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// Expiry returns the absolute expiry, deriving it from ExpiresIn when the
// provider omitted expires_at.
func (s *Session) Expiry(now time.Time) time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	return now.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// SignUpResult carries the session when the provider issues one right away.
// Session is nil when the provider requires email confirmation first.
type SignUpResult struct {
	User    *User
	Session *Session
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(supabaseURL, anonKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(supabaseURL, "/") + "/auth/v1",
		apiKey:  anonKey,
		http:    httpClient,
	}
}

// Issuer is the value the provider writes into the iss claim.
func (c *Client) Issuer() string { return c.baseURL }

type credentials struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	const op = "gotrue.SignInWithPassword"
	var s Session
	if err := c.do(ctx, op, http.MethodPost, "/token?grant_type=password", "", credentials{Email: email, Password: password}, &s); err != nil {
		return nil, err
	}
	if s.AccessToken == "" {
		return nil, apperr.Auth(op, "identity provider returned no session", nil)
	}
	return &s, nil
}

// SignUp registers a user. displayName is stored as user metadata "name".
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*SignUpResult, error) {
	const op = "gotrue.SignUp"
	body := credentials{Email: email, Password: password}
	if displayName != "" {
		body.Data = map[string]interface{}{"name": displayName}
	}

	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodPost, "/signup", "", body, &raw); err != nil {
		return nil, err
	}
	return decodeSignUp(op, raw)
}

// decodeSignUp handles both answers GoTrue gives: a full session when
// autoconfirm is on, or the bare user when confirmation is pending.
func decodeSignUp(op string, raw json.RawMessage) (*SignUpResult, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Auth(op, "malformed sign-up response", err)
	}
	if s.AccessToken != "" {
		u := s.User
		return &SignUpResult{User: &u, Session: &s}, nil
	}

	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, apperr.Auth(op, "malformed sign-up response", err)
	}
	if u.ID == "" {
		return nil, apperr.Auth(op, "identity provider returned no user", nil)
	}
	return &SignUpResult{User: &u}, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	const op = "gotrue.Refresh"
	var s Session
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, op, http.MethodPost, "/token?grant_type=refresh_token", "", body, &s); err != nil {
		return nil, err
	}
	if s.AccessToken == "" {
		return nil, apperr.Auth(op, "identity provider returned no session", nil)
	}
	return &s, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, "gotrue.SignOut", http.MethodPost, "/logout", accessToken, nil, nil)
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	var u User
	if err := c.do(ctx, "gotrue.GetUser", http.MethodGet, "/user", accessToken, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) do(ctx context.Context, op, method, path, bearer string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperr.Auth(op, "encode request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Network(op, err)
	}
	req.Header.Set("apikey", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Network(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Auth(op, errorDetail(resp.StatusCode, data), nil)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Auth(op, "malformed identity provider response", err)
	}
	return nil
}

type errorBody struct {
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
}

func errorDetail(status int, data []byte) string {
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		for _, s := range []string{eb.ErrorDescription, eb.Msg, eb.Message, eb.Error} {
			if s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("identity provider returned status %d", status)
}
