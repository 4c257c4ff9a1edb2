// Package occ provides the bounded read-modify-write retry loop used for
// optimistic concurrency against the relational and blob stores.
package occ

import (
	"context"
	"errors"
	"fmt"
)

// DefaultAttempts is the retry budget used by the lifecycle services.
const DefaultAttempts = 3

var (
	// ErrConflict is returned by an attempt whose conditional write lost a
	// race. It is the only error that causes another attempt.
	ErrConflict = errors.New("concurrent modification")
	// ErrBusy is returned once every attempt has conflicted.
	ErrBusy = errors.New("record busy, retry later")
)

// Retry runs fn up to attempts times, starting over whenever it returns
// ErrConflict. Any other error, or success, ends the loop immediately.
// Each call of fn is one full read-check-write cycle and must re-read the
// record rather than reuse state from an earlier attempt.
func Retry[T any](ctx context.Context, attempts int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx, i)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrConflict) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w: %d attempts conflicted", ErrBusy, attempts)
}
