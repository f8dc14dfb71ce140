package smtp

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes mail diagnostics to admins. All routes require the admin
// gate, applied by the caller.
type Handler struct {
	service MailService
}

// NewHandler creates a new SMTP handler.
func NewHandler(service MailService) *Handler {
	return &Handler{service: service}
}

// Settings returns the active mail settings (GET /api/admin/mail).
func (h *Handler) Settings(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]Settings{"settings": h.service.Settings()})
}

// TestConnection checks the relay (POST /api/admin/mail/test).
func (h *Handler) TestConnection(c echo.Context) error {
	if err := h.service.TestConnection(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"msg": "Connection successful"})
}
