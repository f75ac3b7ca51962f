package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := CheckRole(c, roles...); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// CheckRole returns a 403 error unless the user holds one of roles. Admins
// pass every check.
func CheckRole(c echo.Context, roles ...string) error {
	userRoles := RolesFromContext(c.Request().Context())
	for _, has := range userRoles {
		if has == RoleAdmin {
			return nil
		}
		for _, required := range roles {
			if has == required {
				return nil
			}
		}
	}
	return echo.NewHTTPError(http.StatusForbidden,
		fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
}
