package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// Context keys for storing identity in Echo context. Other plugins use
// these keys (via the exported getter functions below) to access the
// authenticated user.
const (
	contextKeyUser   = "auth_user"
	contextKeyUserID = "auth_user_id"
)

// Token transport headers. Both are accepted; x-auth-token wins when both
// are present.
const (
	headerAuthToken     = "x-auth-token"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
)

// Access denial messages returned by the gates.
const (
	msgNoToken        = "No token, authorization denied"
	msgNotAuthed      = "User not authenticated"
	msgRoleNotAllowed = "Access denied. Required role not found."
)

// RequireAuth returns middleware that resolves the identity token to a user
// and injects it into the request context. It never mutates the store.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractToken(c)
			if token == "" {
				return apperror.NewUnauthorized(msgNoToken)
			}

			user, err := service.Authenticate(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(contextKeyUser, user)
			c.Set(contextKeyUserID, user.ID)

			return next(c)
		}
	}
}

// RequireRole returns middleware that allows the request only when the
// authenticated user's role is one of roles. Must run after RequireAuth.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := CurrentUser(c)
			if user == nil {
				return apperror.NewUnauthorized(msgNotAuthed)
			}
			if !user.Role.In(roles...) {
				return apperror.NewForbidden(msgRoleNotAllowed)
			}
			return next(c)
		}
	}
}

// RequireSelfOrRole allows the request when the path parameter param names
// the authenticated user, or when the user holds one of roles. Must run
// after RequireAuth.
func RequireSelfOrRole(param string, roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := CurrentUser(c)
			if user == nil {
				return apperror.NewUnauthorized(msgNotAuthed)
			}
			if c.Param(param) != user.ID && !user.Role.In(roles...) {
				return apperror.NewForbidden(msgRoleNotAllowed)
			}
			return next(c)
		}
	}
}

// Protected returns the gate pipeline for a route: authentication first,
// then the role check when roles are given. Routes attach the whole slice,
// so the gates cannot be registered out of order.
func Protected(service AuthService, roles ...Role) []echo.MiddlewareFunc {
	chain := []echo.MiddlewareFunc{RequireAuth(service)}
	if len(roles) > 0 {
		chain = append(chain, RequireRole(roles...))
	}
	return chain
}

// extractToken reads the identity token from x-auth-token or a Bearer
// Authorization header.
func extractToken(c echo.Context) string {
	if token := strings.TrimSpace(c.Request().Header.Get(headerAuthToken)); token != "" {
		return token
	}
	auth := c.Request().Header.Get(headerAuthorization)
	if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(auth[len(bearerPrefix):])
	}
	return ""
}

// --- Exported getters for other plugins ---

// CurrentUser retrieves the authenticated user from the Echo context.
// Returns nil if the request is not authenticated (middleware not applied).
func CurrentUser(c echo.Context) *User {
	user, ok := c.Get(contextKeyUser).(*User)
	if !ok {
		return nil
	}
	return user
}

// GetUserID retrieves the authenticated user's ID from the Echo context.
// Returns empty string if the request is not authenticated.
func GetUserID(c echo.Context) string {
	id, _ := c.Get(contextKeyUserID).(string)
	return id
}
