package middleware

import (
	"github.com/labstack/echo/v4"
)

const (
	// APIContentSecurityPolicy denies all resource loading; JSON only.
	APIContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	// PageContentSecurityPolicy allows the UI's own stylesheet and form
	// posts and nothing else.
	PageContentSecurityPolicy = "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; form-action 'self'; frame-ancestors 'none'"
)

type SecurityHeadersConfig struct {
	ContentSecurityPolicy string
	// HSTS is only meaningful behind TLS; the localhost UI leaves it off.
	HSTS bool
}

// SecurityHeaders sets response headers that keep pages and API responses
// carrying patient data out of frames, caches and referrers.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = APIContentSecurityPolicy
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Content-Security-Policy", csp)
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
