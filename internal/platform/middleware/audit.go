package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/auth"
)

// AuditEntry records one access to patient data: who, what, when, from
// where and with what outcome.
type AuditEntry struct {
	UserID     string
	Resource   string
	ResourceID string
	Action     string // read, create, update, delete
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

type AuditConfig struct {
	Logger   zerolog.Logger
	Recorder AuditRecorder
	// Resources maps path prefixes to the resource name logged for them.
	// Requests outside every prefix are not audited.
	Resources map[string]string
	// UserID identifies the caller. Defaults to the identity on the request
	// context.
	UserID func(c echo.Context) string
}

// Audit logs every access to an audited path after the handler has run, so
// the entry carries the final status. A failing recorder never fails the
// request.
func Audit(cfg AuditConfig) echo.MiddlewareFunc {
	userID := cfg.UserID
	if userID == nil {
		userID = func(c echo.Context) string { return auth.UserIDFromContext(c.Request().Context()) }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			resource := resourceFor(cfg.Resources, req.URL.Path)
			if resource == "" {
				return next(c)
			}

			err := next(c)

			rid, _ := c.Get("request_id").(string)
			entry := AuditEntry{
				UserID:     userID(c),
				Resource:   resource,
				ResourceID: resourceID(c),
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				RequestID:  rid,
				StatusCode: c.Response().Status,
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				} else if !c.Response().Committed {
					entry.StatusCode = http.StatusInternalServerError
				}
			}

			if cfg.Recorder != nil {
				if recErr := cfg.Recorder.RecordAccess(entry); recErr != nil {
					cfg.Logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			cfg.Logger.Info().
				Str("type", "phi_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

// resourceFor returns the resource of the longest matching prefix.
func resourceFor(resources map[string]string, path string) string {
	best, name := -1, ""
	for prefix, r := range resources {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			best, name = len(prefix), r
		}
	}
	return name
}

// resourceID is the :id route parameter, or the document key for downloads.
func resourceID(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.QueryParam("key")
}

// httpMethodToAction maps HTTP methods to audit actions.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
