package notification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestManager_NotifyAndDrain(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Success("Request created", "")
	m.Error("Failed to update request", "connection refused")

	got := m.Drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].Level != LevelSuccess || got[1].Level != LevelError {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[1].Message != "connection refused" {
		t.Errorf("expected message, got %q", got[1].Message)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Error("expected id and timestamp")
	}

	if again := m.Drain(); len(again) != 0 {
		t.Errorf("expected empty queue after drain, got %d", len(again))
	}
}

func TestManager_RecentSurvivesDrain(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Warning("one", "")
	m.Warning("two", "")
	m.Warning("three", "")
	m.Drain()

	recent := m.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2, got %d", len(recent))
	}
	if recent[0].Title != "three" || recent[1].Title != "two" {
		t.Errorf("expected newest first, got %+v", recent)
	}
	if len(m.Recent(0)) != 3 {
		t.Error("limit 0 should return the whole history")
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	m := NewManager(zerolog.Nop())
	for i := 0; i < defaultHistory+10; i++ {
		m.Success("x", "")
	}
	if got := len(m.Recent(0)); got != defaultHistory {
		t.Errorf("expected history capped at %d, got %d", defaultHistory, got)
	}
	if got := len(m.Drain()); got != defaultHistory {
		t.Errorf("expected pending capped at %d, got %d", defaultHistory, got)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Success("a", "")
	m.Success("b", "")
	m.Error("c", "")

	stats := m.Stats()
	if stats[LevelSuccess] != 2 || stats[LevelError] != 1 || stats[LevelWarning] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestManager_Logs(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(zerolog.New(&buf))
	m.Error("Failed to delete request", "not found")

	line := buf.String()
	if !strings.Contains(line, `"level":"error"`) || !strings.Contains(line, "Failed to delete request") {
		t.Errorf("unexpected log line: %s", line)
	}
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Success("x", "")
			m.Drain()
		}()
	}
	wg.Wait()
	if got := m.Stats()[LevelSuccess]; got != 20 {
		t.Errorf("expected 20 in history, got %d", got)
	}
}

func TestHandler_Drain(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Success("Request updated", "")

	e := echo.New()
	NewHandler(m).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out []Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out) != 1 || out[0].Title != "Request updated" {
		t.Errorf("unexpected body: %+v", out)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array on second drain, got %s", rec.Body.String())
	}
}
