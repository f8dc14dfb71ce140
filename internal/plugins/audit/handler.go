package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for audit log operations. Handlers are thin:
// bind request, call service, write JSON. No business logic lives here.
type Handler struct {
	service AuditService
}

// NewHandler creates a new audit handler.
func NewHandler(service AuditService) *Handler {
	return &Handler{service: service}
}

// List returns one page of the audit feed (GET /api/admin/audit?page=N).
func (h *Handler) List(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))

	result, err := h.service.List(c.Request().Context(), page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// UserHistory returns the events about one account
// (GET /api/admin/audit/users/:id).
func (h *Handler) UserHistory(c echo.Context) error {
	entries, err := h.service.SubjectHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string][]AuditEntry{"entries": entries})
}
