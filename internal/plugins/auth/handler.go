package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// Confirmation messages returned by the account endpoints.
const (
	msgPasswordUpdated = "Password updated successfully"
	msgEmailSent       = "Email sent"
	msgUserDeleted     = "User deleted successfully"
)

// messageResponse is the body of endpoints that only confirm an action.
type messageResponse struct {
	Msg string `json:"msg"`
}

// userResponse wraps a single user.
type userResponse struct {
	User PublicUser `json:"user"`
}

// Handler handles HTTP requests for the user account API. Handlers are thin:
// they bind the request, call the service, and write the JSON response. No
// business logic lives here.
type Handler struct {
	service AuthService
}

// NewHandler creates a new auth handler with the given service.
func NewHandler(service AuthService) *Handler {
	return &Handler{service: service}
}

// Register creates an account (POST /api/users/register).
func (h *Handler) Register(c echo.Context) error {
	var input RegisterInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	result, err := h.service.Register(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

// Login authenticates with email and password (POST /api/users/login).
func (h *Handler) Login(c echo.Context) error {
	var input LoginInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	result, err := h.service.Login(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ChangePassword changes the caller's password (PUT /api/users/change-password).
func (h *Handler) ChangePassword(c echo.Context) error {
	userID := GetUserID(c)
	if userID == "" {
		return apperror.NewMissingContext()
	}

	var input ChangePasswordInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	if err := h.service.ChangePassword(c.Request().Context(), userID, input); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Msg: msgPasswordUpdated})
}

// ForgotPassword starts password recovery (POST /api/users/forgot-password).
func (h *Handler) ForgotPassword(c echo.Context) error {
	var input ForgotPasswordInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	if err := h.service.ForgotPassword(c.Request().Context(), input); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Msg: msgEmailSent})
}

// ResetPassword completes recovery (PUT /api/users/reset-password/:resetToken).
func (h *Handler) ResetPassword(c echo.Context) error {
	var input ResetPasswordInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	if err := h.service.ResetPassword(c.Request().Context(), c.Param("resetToken"), input); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Msg: msgPasswordUpdated})
}

// GetUser returns one user (GET /api/users/:id).
func (h *Handler) GetUser(c echo.Context) error {
	user, err := h.service.GetUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userResponse{User: user.Public()})
}

// UpdateProfile changes name and/or email (PUT /api/users/:id).
func (h *Handler) UpdateProfile(c echo.Context) error {
	var input UpdateProfileInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	user, err := h.service.UpdateProfile(c.Request().Context(), GetUserID(c), c.Param("id"), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userResponse{User: user.Public()})
}

// DeleteAccount removes a user (DELETE /api/users/:id).
func (h *Handler) DeleteAccount(c echo.Context) error {
	if err := h.service.DeleteAccount(c.Request().Context(), GetUserID(c), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Msg: msgUserDeleted})
}

// ChangeRole sets another user's role (PUT /api/users/change-role). Admin only.
func (h *Handler) ChangeRole(c echo.Context) error {
	var input ChangeRoleInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("Invalid request body")
	}

	user, err := h.service.ChangeRole(c.Request().Context(), GetUserID(c), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userResponse{User: user.Public()})
}
