package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	// CodeLength is the length of dead-drop file codes.
	CodeLength = 8
	// ShareCodeLength is the length of share codes.
	ShareCodeLength = 6

	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Generate returns a random code of the given length drawn from lowercase
// letters and digits. Collisions are the caller's problem: the storage
// layer's uniqueness constraint detects them and the caller draws again.
func Generate(length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// FileCode returns a fresh dead-drop code.
func FileCode() (string, error) { return Generate(CodeLength) }

// ShareCode returns a fresh share code.
func ShareCode() (string, error) { return Generate(ShareCodeLength) }

// NewToken returns an opaque single-use token (random UUIDv4, 122 bits).
func NewToken() string {
	return uuid.NewString()
}

// ValidToken reports whether s looks like a token produced by NewToken.
func ValidToken(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// Normalize trims and lowercases raw and reports whether the result is a
// well-formed code of the given length.
func Normalize(raw string, length int) (string, bool) {
	code := strings.ToLower(strings.TrimSpace(raw))
	if len(code) != length {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(alphabet, code[i]) < 0 {
			return "", false
		}
	}
	return code, true
}
