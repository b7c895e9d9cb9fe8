// Package web is the clinician-facing UI: server-rendered pages for
// sign-in, the request list, request detail and the new-request form, plus
// a small JSON API under /api/v1 for scripting. Every read and write goes
// through the request store.
package web

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/domain/documents"
	"github.com/priorauth/priorauth/internal/extraction"
	"github.com/priorauth/priorauth/internal/platform/middleware"
	"github.com/priorauth/priorauth/internal/platform/notification"
	"github.com/priorauth/priorauth/internal/requeststore"
	"github.com/priorauth/priorauth/internal/session"
)

// Sessions is the part of the session manager the UI drives.
type Sessions interface {
	State() session.State
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password, displayName string) error
	SignOut(ctx context.Context)
}

// Requests is the request store.
type Requests interface {
	List(ctx context.Context) requeststore.Snapshot
	Get(ctx context.Context, id uuid.UUID) (*authrequest.Request, error)
	Create(ctx context.Context, in *authrequest.CreateInput) (*authrequest.Request, error)
	Update(ctx context.Context, id uuid.UUID, in *authrequest.UpdateInput) (*authrequest.Request, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Extractor interface {
	Extract(ctx context.Context, files []extraction.File) (*extraction.FormData, error)
}

type Generator interface {
	GenerateJustification(ctx context.Context, procedureDescription, diagnosisDescription string) (string, error)
	GenerateAppeal(ctx context.Context, requestID uuid.UUID, userName string) (string, error)
}

type Documents interface {
	Stage(ctx context.Context, providerID uuid.UUID, draftID string, files []documents.File) ([]documents.Document, error)
	Promote(ctx context.Context, providerID uuid.UUID, draftID string, requestID uuid.UUID) ([]documents.Document, error)
	Staged(ctx context.Context, providerID uuid.UUID, draftID string) ([]documents.Document, error)
	Discard(ctx context.Context, providerID uuid.UUID, draftID string) error
	List(ctx context.Context, providerID, requestID uuid.UUID) ([]documents.Document, error)
	Open(ctx context.Context, providerID uuid.UUID, key string) (io.ReadCloser, *documents.Document, error)
}

// Notifications is the toast queue pages drain into flash messages.
type Notifications interface {
	notification.Notifier
	Drain() []notification.Notification
}

type Deps struct {
	Sessions      Sessions
	Requests      Requests
	Extractor     Extractor
	Generator     Generator
	Documents     Documents
	Notifications Notifications
	Logger        zerolog.Logger
}

type Server struct {
	Deps
	renderer *Renderer
}

func NewServer(deps Deps) (*Server, error) {
	r, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Server{Deps: deps, renderer: r}, nil
}

// auditedResources are the routes that read or change patient data.
var auditedResources = map[string]string{
	"/request/":        "authorization_request",
	"/new-request":     "authorization_request",
	"/api/v1/requests": "authorization_request",
	"/documents":       "document",
}

const (
	uploadPath     = "/new-request"
	requestTimeout = 2 * time.Minute
)

// Echo builds the HTTP handler with the full middleware stack.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = s.renderer

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.Logger))
	e.Use(middleware.Recovery(s.Logger))
	e.Use(middleware.Sanitize(s.Logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
		ContentSecurityPolicy: middleware.PageContentSecurityPolicy,
	}))
	e.Use(middleware.Audit(middleware.AuditConfig{
		Logger:    s.Logger,
		Resources: auditedResources,
		UserID:    func(echo.Context) string { return s.currentUserID() },
	}))
	e.Use(middleware.CacheControl(middleware.CacheConfig{
		ETagPaths:   []string{"/api/v1/"},
		VaryHeaders: []string{"Cookie"},
	}))
	e.Use(middleware.BodyLimit("1M", "100M", uploadPath))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(echomw.CSRFWithConfig(echomw.CSRFConfig{
		TokenLookup:    "form:_csrf",
		CookieName:     "_csrf",
		CookiePath:     "/",
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteStrictMode,
		Skipper:        func(c echo.Context) bool { return isAPIPath(c.Request().URL.Path) },
	}))

	s.RegisterRoutes(e)
	return e
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/login", s.HandleLoginForm)
	e.POST("/login", s.HandleLogin)
	e.POST("/signup", s.HandleSignUp)
	e.GET("/logout", s.HandleLogout)
	e.POST("/logout", s.HandleLogout)

	pages := e.Group("", s.requireSession)
	pages.GET("/", s.HandleList)
	pages.GET("/request/:id", s.HandleDetail)
	pages.POST("/request/:id/status", s.HandleUpdateStatus)
	pages.POST("/request/:id/justification", s.HandleUpdateJustification)
	pages.POST("/request/:id/appeal", s.HandleGenerateAppeal)
	pages.GET("/documents", s.HandleDownload)
	pages.GET("/new-request", s.HandleNewRequestForm)
	pages.POST("/new-request", s.HandleNewRequest)

	api := e.Group("/api/v1", s.requireSessionAPI)
	s.registerAPI(api)

	e.Any("/*", func(c echo.Context) error {
		return c.Redirect(http.StatusSeeOther, loginPath)
	})
}

// requireSession applies the route guard to page routes.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		d := Decide(s.Sessions.State(), c.Request().URL.RequestURI())
		switch d.Action {
		case ActionWait:
			c.Response().Header().Set("Refresh", "1")
			return s.render(c, http.StatusServiceUnavailable, "loading", &basePage{Title: "Loading"})
		case ActionRedirect:
			return c.Redirect(http.StatusSeeOther, d.Location)
		default:
			return next(c)
		}
	}
}

func (s *Server) requireSessionAPI(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		d := Decide(s.Sessions.State(), c.Request().URL.Path)
		switch d.Action {
		case ActionWait:
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session is loading"})
		case ActionRedirect:
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "not signed in"})
		default:
			return next(c)
		}
	}
}

func isAPIPath(p string) bool {
	return len(p) >= len("/api/") && p[:len("/api/")] == "/api/"
}

// providerID is the signed-in user's id. Callers sit behind the guard, so
// a session is present.
func (s *Server) providerID() (uuid.UUID, bool) {
	st := s.Sessions.State()
	if st.Session == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(st.Session.User.ID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) currentUserID() string {
	if st := s.Sessions.State(); st.Session != nil {
		return st.Session.User.ID
	}
	return ""
}

// userName is how generated letters are signed.
func (s *Server) userName() string {
	st := s.Sessions.State()
	if st.Profile != nil {
		return st.Profile.DisplayName()
	}
	if st.Session != nil {
		if st.Session.User.Name != "" {
			return st.Session.User.Name
		}
		return st.Session.User.Email
	}
	return ""
}

var _ Documents = (*documents.Archive)(nil)
