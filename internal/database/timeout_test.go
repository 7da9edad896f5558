package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeoutMapsDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "stall", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutMapsUnwrappedDriverError(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "stall", func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("interrupted")
	})
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestWithTimeoutPassesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	err := WithTimeout(context.Background(), time.Second, "fail", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)

	require.NoError(t, WithTimeout(context.Background(), 0, "ok", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	}))
}

func TestWithTimeoutIgnoresCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, "cancelled", func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}
