// Package auth is the identity core of coursehub: password hashing, signed
// identity tokens, password recovery, and the request gates that resolve
// and authorize the caller. Every mutation of a user account goes through
// AuthService.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package auth

import (
	"time"
)

// User represents a registered account. PasswordHash and the reset fields
// never leave the server; use Public for anything sent to a client.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role

	// ResetTokenHash and ResetExpiresAt are both set while a password
	// recovery is pending and both nil otherwise.
	ResetTokenHash *string
	ResetExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PublicUser is the only user representation returned by the API.
type PublicUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Public projects u to its client-safe form.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Role:  u.Role,
	}
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string     `json:"token"`
	User  PublicUser `json:"user"`
}

// --- Service Input DTOs (bound from HTTP requests, validated by the service) ---
// The msg tag holds the client-facing message for any rule failure on that
// field.

// RegisterInput is the payload for creating an account.
type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=100" msg:"Name is required" msg_max:"Name must be at most 100 characters"`
	Email    string `json:"email" validate:"required,email,max=255" msg:"Please include a valid email" msg_max:"Email must be at most 255 characters"`
	Password string `json:"password" validate:"required,min=6" msg:"Please enter a password with 6 or more characters"`

	// Role is optional and normalized, never rejected.
	Role string `json:"role"`
}

// LoginInput is the payload for authenticating.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email" msg:"Please include a valid email"`
	Password string `json:"password" validate:"required" msg:"Password is required"`
}

// ChangePasswordInput is the payload for an authenticated password change.
type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required" msg:"Current password is required"`
	NewPassword     string `json:"newPassword" validate:"required,min=6" msg:"Please enter a password with 6 or more characters"`
}

// ForgotPasswordInput is the payload for starting password recovery.
type ForgotPasswordInput struct {
	Email string `json:"email" validate:"required,email" msg:"Please include a valid email"`
}

// ResetPasswordInput is the payload for completing password recovery.
type ResetPasswordInput struct {
	Password string `json:"password" validate:"required,min=6" msg:"Please enter a password with 6 or more characters"`
}

// UpdateProfileInput is a partial profile update; nil fields are unchanged.
type UpdateProfileInput struct {
	Name  *string `json:"name" validate:"omitnil,min=1,max=100" msg:"Name is required" msg_max:"Name must be at most 100 characters"`
	Email *string `json:"email" validate:"omitnil,email,max=255" msg:"Please include a valid email" msg_max:"Email must be at most 255 characters"`
}

// ChangeRoleInput is the payload for an admin role change.
type ChangeRoleInput struct {
	UserID  string `json:"userId" validate:"required" msg:"User id is required"`
	NewRole string `json:"newRole" validate:"required,role" msg:"Invalid role"`
}
