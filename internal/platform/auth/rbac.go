package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleMedico        = "medico"
	RoleAdministrador = "administrador"
	// RoleIngest is held by the upstream ingestion service.
	RoleIngest = "ingest"
)

// HasRole reports whether the caller holds role. Administrators hold every
// role.
func HasRole(ctx context.Context, role string) bool {
	roles := RolesFromContext(ctx)
	return slices.Contains(roles, role) || slices.Contains(roles, RoleAdministrador)
}

// IsAdmin reports whether the caller is an administrator.
func IsAdmin(ctx context.Context) bool {
	return slices.Contains(RolesFromContext(ctx), RoleAdministrador)
}

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
