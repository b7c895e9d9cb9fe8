// Package notification provides transient user-facing messages (toasts):
// success, error and warning notices raised by mutations and surfaced by
// the web UI or the CLI.
package notification

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notification is one user-facing message.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is what producers depend on.
type Notifier interface {
	Notify(level Level, title, message string)
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

const defaultHistory = 50

// Manager queues notifications until a consumer drains them and keeps a
// bounded history for Recent.
type Manager struct {
	mu      sync.Mutex
	pending []Notification
	history []Notification
	max     int
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager returns a Manager that also logs every notification at a
// level matching its severity.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		max:    defaultHistory,
		logger: logger.With().Str("component", "notification").Logger(),
		now:    time.Now,
	}
}

func (m *Manager) Notify(level Level, title, message string) {
	n := Notification{
		ID:        uuid.New().String(),
		Level:     level,
		Title:     title,
		Message:   message,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.pending = append(m.pending, n)
	if len(m.pending) > m.max {
		m.pending = m.pending[len(m.pending)-m.max:]
	}
	m.history = append(m.history, n)
	if len(m.history) > m.max {
		m.history = m.history[len(m.history)-m.max:]
	}
	m.mu.Unlock()

	var ev *zerolog.Event
	switch level {
	case LevelError:
		ev = m.logger.Error()
	case LevelWarning:
		ev = m.logger.Warn()
	default:
		ev = m.logger.Info()
	}
	ev.Str("detail", message).Msg(title)
}

func (m *Manager) Success(title, message string) { m.Notify(LevelSuccess, title, message) }
func (m *Manager) Error(title, message string)   { m.Notify(LevelError, title, message) }
func (m *Manager) Warning(title, message string) { m.Notify(LevelWarning, title, message) }

// Drain returns and clears the pending notifications, oldest first.
func (m *Manager) Drain() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// Recent returns up to limit of the latest notifications, newest first,
// whether or not they were drained.
func (m *Manager) Recent(limit int) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Notification, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Stats counts the history by level.
func (m *Manager) Stats() map[Level]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[Level]int)
	for _, n := range m.history {
		stats[n.Level]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleDrain)
	g.GET("/notifications/recent", h.HandleRecent)
}

// HandleDrain handles GET /notifications and empties the queue.
func (h *Handler) HandleDrain(c echo.Context) error {
	out := h.mgr.Drain()
	if out == nil {
		out = []Notification{}
	}
	return c.JSON(http.StatusOK, out)
}

// HandleRecent handles GET /notifications/recent.
func (h *Handler) HandleRecent(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.Recent(20))
}
