package util

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return RetryIf(ctx, maxAttempts, baseDelay, func(error) bool { return true }, fn)
}

// RetryIf is like Retry but consults shouldRetry after each failure. When
// shouldRetry returns false the error is returned immediately without
// consuming further attempts.
func RetryIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, shouldRetry func(error) bool, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
