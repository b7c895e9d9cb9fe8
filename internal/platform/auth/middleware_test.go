package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: "dr.smith@example.com",
		Role:  "authenticated",
	}
}

func newTestVerifier(t *testing.T, cfg JWTConfig) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func runMiddleware(t *testing.T, v *Verifier, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/generate-appeal", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen echo.Context
	h := JWTMiddleware(v)(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return seen, err
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, newTestVerifier(t, JWTConfig{SigningKey: testSigningKey}), "")
	assertUnauthorized(t, err)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	v := newTestVerifier(t, JWTConfig{SigningKey: testSigningKey})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, v, tt.header)
			assertUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), testSigningKey)

	c, err := runMiddleware(t, newTestVerifier(t, JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, ok := IdentityFromContext(c.Request().Context())
	if !ok {
		t.Fatal("expected identity on context")
	}
	if id.UserID != "user-123" {
		t.Errorf("expected user-123, got %s", id.UserID)
	}
	if id.Email != "dr.smith@example.com" {
		t.Errorf("expected email, got %s", id.Email)
	}
	if id.AccessToken != tokenStr {
		t.Error("expected the caller's own token to be carried forward")
	}
	if id.DBClaims().Subject != "user-123" {
		t.Errorf("expected db claims subject user-123, got %s", id.DBClaims().Subject)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	_, err := runMiddleware(t, newTestVerifier(t, JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	assertUnauthorized(t, err)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), []byte("some-other-key"))

	_, err := runMiddleware(t, newTestVerifier(t, JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	assertUnauthorized(t, err)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(""), testSigningKey)

	_, err := runMiddleware(t, newTestVerifier(t, JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	assertUnauthorized(t, err)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims("user-123")
	claims.Issuer = "https://other.example.com/auth/v1"
	tokenStr := createTestToken(t, claims, testSigningKey)

	v := newTestVerifier(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://project.supabase.co/auth/v1"})
	_, err := runMiddleware(t, v, "Bearer "+tokenStr)
	assertUnauthorized(t, err)
}

func TestJWTMiddleware_Insecure(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-9"), []byte("unknown-key"))

	c, err := runMiddleware(t, newTestVerifier(t, JWTConfig{Insecure: true}), "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "user-9" {
		t.Error("expected user-9 on context")
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	v := newTestVerifier(t, JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }})
	if _, err := runMiddleware(t, v, ""); err != nil {
		t.Errorf("expected skipped request to pass, got %v", err)
	}
}

func TestNewVerifier_NoKeySource(t *testing.T) {
	if _, err := NewVerifier(context.Background(), JWTConfig{}); err == nil {
		t.Error("expected error without any key source")
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		wantCode int
	}{
		{"authenticated passes", &Identity{UserID: "u1", Role: "authenticated"}, http.StatusOK},
		{"anon rejected", &Identity{UserID: "u1", Role: "anon"}, http.StatusForbidden},
		{"no identity rejected", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.identity != nil {
				req = req.WithContext(WithIdentity(req.Context(), *tt.identity))
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := RequireRole("authenticated")(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			err := h(c)

			if tt.wantCode == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, httpErr.Code)
			}
		})
	}
}
