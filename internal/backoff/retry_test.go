package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/zbworker/internal/backoff"
)

// ============================================================================
// Retry
// ============================================================================

var errTransient = errors.New("transient")

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := backoff.Retry(context.Background(), backoff.RetryPolicy{
		Strategy:   backoff.NewConstant(time.Millisecond),
		MaxRetries: 5,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := backoff.Retry(context.Background(), backoff.RetryPolicy{
		Strategy:   backoff.NewConstant(time.Millisecond),
		MaxRetries: 5,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}, func(context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := backoff.Retry(context.Background(), backoff.RetryPolicy{
		Strategy:   backoff.NewConstant(time.Millisecond),
		MaxRetries: 2,
	}, func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls, "first attempt plus two retries")
}

func TestRetry_MaxElapsed(t *testing.T) {
	calls := 0
	err := backoff.Retry(context.Background(), backoff.RetryPolicy{
		Strategy:   backoff.NewConstant(50 * time.Millisecond),
		MaxRetries: 10,
		MaxElapsed: 120 * time.Millisecond,
	}, func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}
