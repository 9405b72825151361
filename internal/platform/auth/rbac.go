package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognised by the intake service. Admin passes every role check.
const (
	RoleAdmin        = "admin"
	RoleDispatcher   = "dispatcher"
	RoleCrew         = "crew"
	RoleNurse        = "nurse"
	RolePhysician    = "physician"
	RoleRegistrar    = "registrar"
	RoleBedManager   = "bed_manager"
	RoleHousekeeping = "housekeeping"
)

// HasRole reports whether roles satisfies at least one of required.
func HasRole(roles []string, required ...string) bool {
	for _, has := range roles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
