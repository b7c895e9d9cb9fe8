package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass token verification.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. CORS preflights are skipped too.
func AuthSkipper(c echo.Context) bool {
	if c.Request().Method == "OPTIONS" {
		return true
	}
	return publicPaths[c.Path()]
}
