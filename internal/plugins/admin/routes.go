package admin

import (
	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/coursehub/internal/plugins/auth"
)

// RegisterRoutes sets up all admin routes on the given Echo instance.
// Creates an /api/admin group behind the authentication and admin-role
// gates and registers the dashboard on it. Returns the group so other
// plugins can register additional admin routes.
func RegisterRoutes(e *echo.Echo, h *Handler, authService auth.AuthService) *echo.Group {
	admin := e.Group("/api/admin", auth.Protected(authService, auth.RoleAdmin)...)

	admin.GET("/dashboard", h.Dashboard)

	return admin
}
