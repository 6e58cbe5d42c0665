package auth

import (
	"fmt"

	"github.com/isdelr/secretboard/internal/common"
	"golang.org/x/crypto/bcrypt"
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// PasswordHasher salts and hashes passwords and verifies candidates.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	// Verify reports whether plain matches artifact. Malformed artifacts
	// verify as false.
	Verify(plain, artifact string) bool
}

// BcryptHasher hashes with bcrypt, which embeds a random per-hash salt.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher using cost, or bcrypt.DefaultCost when cost is zero.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash returns a bcrypt artifact for plain. Passwords over 72 bytes are rejected.
func (h *BcryptHasher) Hash(plain string) (string, error) {
	if len(plain) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password longer than %d bytes", common.ErrInvalidInput, maxPasswordBytes)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plain matches the bcrypt artifact.
func (h *BcryptHasher) Verify(plain, artifact string) bool {
	if artifact == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(artifact), []byte(plain)) == nil
}
