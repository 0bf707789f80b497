package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole restricts a route to callers holding at least one of the given
// roles. Admin always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// IsClinicalStaff reports whether any of the roles marks the caller as
// clinical staff (doctor, assistant, or admin). Private chat messages are
// only visible to clinical staff.
func IsClinicalStaff(roles []string) bool {
	for _, r := range roles {
		switch r {
		case RoleDoctor, RoleAssistant, RoleAdmin:
			return true
		}
	}
	return false
}
