// Package apperr defines the closed set of outcomes the lifecycle services
// report to their callers. The HTTP layer dispatches on Kind.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindStorage Kind = iota
	KindValidation
	KindNotFound
	KindGone
	KindAuthRequired
	KindAuthFailed
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	case KindAuthRequired:
		return "auth_required"
	case KindAuthFailed:
		return "auth_failed"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "storage"
	}
}

// Status is the HTTP status code a Kind maps to.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindAuthFailed:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Reason distinguishes the causes folded into KindGone.
type Reason string

const (
	ReasonExpired      Reason = "expired"
	ReasonLimitReached Reason = "limit_reached"
	ReasonBurned       Reason = "burned"
)

// Error is the single error type produced by the services.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	// Details are extra fields echoed to the client next to the message.
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Gone returns a KindGone error for the given reason.
func Gone(reason Reason, message string) *Error {
	return &Error{Kind: KindGone, Reason: reason, Message: message}
}

// Storage wraps a backend failure.
func Storage(message string, cause error) *Error {
	return Wrap(KindStorage, message, cause)
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the Kind of err. Errors that did not originate in this
// package are treated as storage failures.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindStorage
}

// IsGone reports whether err is a KindGone error with the given reason.
func IsGone(err error, reason Reason) bool {
	e, ok := As(err)
	return ok && e.Kind == KindGone && e.Reason == reason
}
