package backoff

import (
	"context"
	"time"
)

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	Strategy   Strategy
	MaxRetries int           // retries after the first attempt
	MaxElapsed time.Duration // 0 means unbounded
	Retryable  func(error) bool
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	start := time.Now()

	err := fn(ctx)
	for attempt := 1; err != nil && attempt <= p.MaxRetries; attempt++ {
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		delay := p.Strategy.Delay(attempt)
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		err = fn(ctx)
	}
	return err
}
