package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when every retry attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Result carries the outcome of a retried operation.
type Result[T any] struct {
	// Value is the successful result.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error observed, if any.
	LastError error
}

// Retry runs fn with exponential backoff until it succeeds, the policy's
// attempts are exhausted, fn reports a permanent error, or the context is
// cancelled. fn receives the 1-indexed attempt number and returns
// (value, retryable, error); a non-retryable error stops immediately.
//
// Context cancellation is checked before every attempt and during every
// sleep, so an in-flight Retry unblocks promptly on cancel.
func Retry[T any](ctx context.Context, policy Policy, fn func(attempt int) (T, bool, error)) (Result[T], error) {
	var result Result[T]

	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPolicy().MaxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, retryable, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.LastError = err
		if !retryable {
			return result, err
		}

		if attempt < attempts {
			if err := sleep(ctx, policy.Delay(attempt)); err != nil {
				return result, err
			}
		}
	}

	return result, ErrAttemptsExhausted
}

// sleep waits for the duration, unblocking early on context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
