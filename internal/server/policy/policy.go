// Package policy holds the pure expiry, limit and burn rules shared by the
// dead-drop and share flows, and the order in which they are applied.
package policy

import "time"

// Unlimited is the MaxUses value meaning no download limit.
const Unlimited = -1

// IsExpired reports whether a record expiring at expiresAt is expired at now.
// A record is still live at exactly expiresAt.
func IsExpired(expiresAt, now time.Time) bool {
	return now.After(expiresAt)
}

// IsExhausted reports whether a record with the given limit and use count
// may not be used again.
func IsExhausted(maxUses, uses int) bool {
	return maxUses != Unlimited && uses >= maxUses
}

// IsBurned reports whether a burn-after-reading record has been consumed.
func IsBurned(burned bool) bool {
	return burned
}

// Outcome is the verdict of Evaluate.
type Outcome int

const (
	Allowed Outcome = iota
	Expired
	Exhausted
	Burned
	PasswordRequired
	PasswordIncorrect
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Expired:
		return "expired"
	case Exhausted:
		return "exhausted"
	case Burned:
		return "burned"
	case PasswordRequired:
		return "password_required"
	case PasswordIncorrect:
		return "password_incorrect"
	}
	return "unknown"
}

// Subject is the policy-relevant view of a file or share record.
type Subject struct {
	ExpiresAt    time.Time
	MaxUses      int
	Uses         int
	Burned       bool
	PasswordHash *string
}

// Verifier checks a supplied password against a stored hash.
type Verifier func(hash, password string) bool

// Evaluate applies the access checks in their fixed order:
// expired, exhausted or burned, password required, password incorrect.
// The first failing check wins.
func Evaluate(s Subject, password string, now time.Time, verify Verifier) Outcome {
	if IsExpired(s.ExpiresAt, now) {
		return Expired
	}
	if IsExhausted(s.MaxUses, s.Uses) {
		return Exhausted
	}
	if IsBurned(s.Burned) {
		return Burned
	}
	if s.PasswordHash != nil {
		if password == "" {
			return PasswordRequired
		}
		if !verify(*s.PasswordHash, password) {
			return PasswordIncorrect
		}
	}
	return Allowed
}
