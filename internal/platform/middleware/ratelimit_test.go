package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/priorauth/priorauth/internal/platform/auth"
)

func doRequest(e *echo.Echo, h echo.HandlerFunc, remoteAddr, userID string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/generate-justification", nil)
	req.RemoteAddr = remoteAddr
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: userID}))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		rec, err := doRequest(e, h, "10.0.0.1:1234", "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		if _, err := doRequest(e, h, "10.0.0.1:1234", ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec, err := doRequest(e, h, "10.0.0.1:1234", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 || retry > 2 {
		t.Errorf("expected Retry-After of 1-2s, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_KeyedByUserBeforeIP(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if _, err := doRequest(e, h, "10.0.0.1:1", "user-a"); err != nil {
		t.Fatalf("user-a first request: %v", err)
	}
	if _, err := doRequest(e, h, "10.0.0.1:1", "user-b"); err != nil {
		t.Errorf("user-b behind the same IP should have its own budget, got %v", err)
	}
	if _, err := doRequest(e, h, "10.0.0.2:1", "user-a"); err == nil {
		t.Error("user-a from another IP should share the user budget")
	}
	if _, err := doRequest(e, h, "10.0.0.3:1", ""); err != nil {
		t.Errorf("anonymous caller from a new IP should pass, got %v", err)
	}
}

func TestLimiterStore_EvictsIdleKeys(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	start := time.Now()
	s.get("ip:a", start)
	s.get("ip:b", start.Add(90*time.Second))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries["ip:a"]; ok {
		t.Error("expected idle key to be evicted")
	}
	if _, ok := s.entries["ip:b"]; !ok {
		t.Error("expected fresh key to remain")
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 5 || cfg.BurstSize != 10 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
