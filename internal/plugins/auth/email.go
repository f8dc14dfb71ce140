package auth

import (
	"context"
	"fmt"
	"strings"
)

// resetEmailSubject is the subject line of password recovery mail.
const resetEmailSubject = "Password reset token"

// renderResetEmail renders the HTML body of a password recovery message.
func renderResetEmail(ctx context.Context, name, link string, ttlMinutes int) (string, error) {
	var sb strings.Builder
	if err := resetEmail(name, link, ttlMinutes).Render(ctx, &sb); err != nil {
		return "", fmt.Errorf("rendering email: %w", err)
	}
	return sb.String(), nil
}
