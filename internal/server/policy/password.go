package policy

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword is the bcrypt Verifier.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CachedVerifier wraps verify so that a hash already matched within one
// request is not re-checked on every optimistic retry.
func CachedVerifier(verify Verifier) Verifier {
	var matched string
	return func(hash, password string) bool {
		if matched != "" && matched == hash {
			return true
		}
		if verify(hash, password) {
			matched = hash
			return true
		}
		return false
	}
}
