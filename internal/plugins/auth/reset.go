package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// resetTokenBytes is the entropy of a raw reset token (160 bits), hex-encoded
// to 40 characters in the recovery link.
const resetTokenBytes = 20

// generateResetToken returns a random raw token for the recovery link and
// the hash that is stored in its place.
func generateResetToken() (raw, hash string, err error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	raw = hex.EncodeToString(b)
	return raw, hashResetToken(raw), nil
}

// hashResetToken is the one-way transform applied to reset tokens at issue
// and at redemption. SHA-256 hex, 64 characters.
func hashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
