package auth

import (
	"github.com/labstack/echo/v4"
)

// NewSkipper returns a skipper for the infrastructure and discovery endpoints
// that stay reachable without credentials.
func NewSkipper(basePath string) func(c echo.Context) bool {
	public := map[string]bool{
		"/health":               true,
		"/health/db":            true,
		"/metrics":              true,
		basePath + "/metadata":  true,
		basePath + "/websocket": true,
	}
	return func(c echo.Context) bool {
		return public[c.Request().URL.Path]
	}
}
