package audit

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the audit feed on the given admin route group.
// All routes require the admin gate (applied by the caller).
func RegisterRoutes(adminGroup *echo.Group, h *Handler) {
	adminGroup.GET("/audit", h.List)
	adminGroup.GET("/audit/users/:id", h.UserHistory)
}
