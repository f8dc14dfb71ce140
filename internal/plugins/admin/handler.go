// Package admin provides site-wide administration endpoints. All routes
// require the admin role and return JSON.
package admin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/coursehub/internal/plugins/auth"
	"github.com/keyxmakerx/coursehub/internal/plugins/smtp"
)

// RoleCounter provides per-role account counts for the dashboard.
// Satisfied by auth.AuthService.
type RoleCounter interface {
	RoleCounts(ctx context.Context) (map[auth.Role]int, error)
}

// dashboardResponse is the body of GET /api/admin/dashboard.
type dashboardResponse struct {
	Msg   string            `json:"msg"`
	Users map[auth.Role]int `json:"users"`
	Mail  *smtp.Settings    `json:"mail,omitempty"`
}

// Handler handles admin dashboard HTTP requests. Depends on other plugins'
// services via interfaces -- no direct repo access.
type Handler struct {
	roles RoleCounter
	mail  smtp.MailService
}

// NewHandler creates a new admin handler. mail may be nil.
func NewHandler(roles RoleCounter, mail smtp.MailService) *Handler {
	return &Handler{roles: roles, mail: mail}
}

// Dashboard returns the admin welcome message with account counts
// (GET /api/admin/dashboard).
func (h *Handler) Dashboard(c echo.Context) error {
	counts, err := h.roles.RoleCounts(c.Request().Context())
	if err != nil {
		return err
	}

	resp := dashboardResponse{
		Msg:   "Welcome to admin dashboard",
		Users: counts,
	}
	if h.mail != nil {
		settings := h.mail.Settings()
		resp.Mail = &settings
	}
	return c.JSON(http.StatusOK, resp)
}
