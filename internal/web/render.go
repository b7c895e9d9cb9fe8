package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/platform/notification"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"login", "list", "detail", "new_request", "loading", "not_found"}

var funcs = template.FuncMap{
	"statusLabel": func(s authrequest.Status) string { return s.Label() },
	"statusClass": func(s authrequest.Status) string {
		switch s {
		case authrequest.StatusApproved:
			return "status-approved"
		case authrequest.StatusDenied:
			return "status-denied"
		case authrequest.StatusAdditionalInfoRequired:
			return "status-info"
		default:
			return "status-pending"
		}
	},
	"fmtTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("Jan 2, 2006 3:04 PM")
	},
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) },
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
	"missing": func(fields []string, name string) bool {
		for _, f := range fields {
			if f == name {
				return true
			}
		}
		return false
	},
	"fileSize": func(n int64) string {
		switch {
		case n >= 1<<20:
			return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
		case n >= 1<<10:
			return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
		}
		return fmt.Sprintf("%d B", n)
	},
}

// Renderer implements echo.Renderer. Each page is parsed together with the
// shared layout and executed through it.
type Renderer struct {
	pages map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	layout, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	r := &Renderer{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		base, err := layout.Clone()
		if err != nil {
			return nil, err
		}
		t, err := base.ParseFS(templateFS, "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

func (r *Renderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown template %q", name)
	}
	return t.ExecuteTemplate(w, "layout", data)
}

// basePage is the data every page carries for the layout.
type basePage struct {
	Title    string
	SignedIn bool
	UserName string
	CSRF     string
	Flash    []notification.Notification
}

func (b *basePage) base() *basePage { return b }

type page interface{ base() *basePage }

// render fills in the layout data, draining pending notifications into the
// flash area, and writes the page.
func (s *Server) render(c echo.Context, status int, name string, p page) error {
	b := p.base()
	st := s.Sessions.State()
	b.SignedIn = st.Authenticated
	if st.Authenticated {
		b.UserName = s.userName()
	}
	if tok, ok := c.Get(echomw.DefaultCSRFConfig.ContextKey).(string); ok {
		b.CSRF = tok
	}
	if s.Notifications != nil {
		b.Flash = s.Notifications.Drain()
	}
	return c.Render(status, name, p)
}

func (s *Server) notFound(c echo.Context, message string) error {
	return s.render(c, http.StatusNotFound, "not_found", &notFoundPage{
		basePage: basePage{Title: "Not found"},
		Message:  message,
	})
}

type notFoundPage struct {
	basePage
	Message string
}
