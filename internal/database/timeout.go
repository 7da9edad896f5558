package database

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
)

// DefaultStoreTimeout bounds a store call when the caller configures none.
const DefaultStoreTimeout = 5 * time.Second

// ErrStoreUnavailable marks store calls that hit their deadline. Callers
// treat it as retryable.
var ErrStoreUnavailable = errors.New("store unavailable")

// WithTimeout runs fn under a deadline of d (DefaultStoreTimeout when d is
// not positive). A deadline hit becomes ErrStoreUnavailable.
func WithTimeout(ctx context.Context, d time.Duration, op string, fn func(ctx context.Context) error) error {
	if d <= 0 {
		d = DefaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	// Drivers do not always wrap the context error when a query is interrupted.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return oops.Code("STORE_UNAVAILABLE").With("operation", op).Wrap(errors.Join(ErrStoreUnavailable, err))
	}
	return err
}
