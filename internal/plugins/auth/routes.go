package auth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the user account API under /api/users. The
// credential endpoints (register, login, forgot/reset password) take the
// throttle middleware, if any, ahead of the handler.
//
// Reading another user's record needs admin or instructor; changing or
// deleting it needs admin. Everyone may read, change and delete their own.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService, throttle ...echo.MiddlewareFunc) {
	users := e.Group("/api/users")

	// Public routes -- no token required.
	users.POST("/register", h.Register, throttle...)
	users.POST("/login", h.Login, throttle...)
	users.POST("/forgot-password", h.ForgotPassword, throttle...)
	users.PUT("/reset-password/:resetToken", h.ResetPassword, throttle...)

	// Authenticated routes.
	requireAuth := RequireAuth(service)
	users.PUT("/change-password", h.ChangePassword, requireAuth)
	users.PUT("/change-role", h.ChangeRole, Protected(service, RoleAdmin)...)
	users.GET("/:id", h.GetUser, requireAuth, RequireSelfOrRole("id", RoleAdmin, RoleInstructor))
	users.PUT("/:id", h.UpdateProfile, requireAuth, RequireSelfOrRole("id", RoleAdmin))
	users.DELETE("/:id", h.DeleteAccount, requireAuth, RequireSelfOrRole("id", RoleAdmin))
}
