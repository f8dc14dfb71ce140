package smtp

import "github.com/labstack/echo/v4"

// RegisterRoutes sets up mail admin routes on the given admin route group.
// All routes require the admin gate (applied by the caller).
func RegisterRoutes(adminGroup *echo.Group, h *Handler) {
	adminGroup.GET("/mail", h.Settings)
	adminGroup.POST("/mail/test", h.TestConnection)
}
