package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WithRetry runs fn until it succeeds, returns an error that retriable
// rejects, or maxRetries retries have been spent. Delays grow exponentially
// from baseDelay with jitter. A nil retriable retries every error.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, retriable func(error) bool, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 32 * baseDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if retriable != nil && !retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
