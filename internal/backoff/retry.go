package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// RetryOptions tunes RetryWithBackoff.
type RetryOptions struct {
	// MaxAttempts bounds the number of calls to fn. Values below 1 mean 1.
	MaxAttempts int
	// Policy computes the wait between attempts.
	Policy BackoffPolicy
	// ShouldRetry reports whether err is transient. A nil ShouldRetry retries every error.
	ShouldRetry func(error) bool
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// the attempts run out, or ctx is done.
//
// A non-retryable error is returned as-is so callers can inspect it with
// errors.As. Exhaustion returns ErrMaxAttemptsExhausted joined with the last
// error.
func RetryWithBackoff[T any](ctx context.Context, opts RetryOptions, fn func(attempt int) (T, error)) (RetryResult[T], error) {
	var result RetryResult[T]
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return result, err
		}

		if attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, opts.Policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, errors.Join(ErrMaxAttemptsExhausted, result.LastError)
}

// Retry is RetryWithBackoff for calls without a return value.
func Retry(ctx context.Context, opts RetryOptions, fn func() error) error {
	_, err := RetryWithBackoff(ctx, opts, func(int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
