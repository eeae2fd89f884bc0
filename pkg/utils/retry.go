package utils

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryConfig returns the default retry configuration: three
// attempts with a fixed one second pause between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Second,
	}
}

// RetryResult describes how a retried call ended.
type RetryResult[T any] struct {
	Value    T
	Attempts int
	Err      error
	// Interrupted is set when ctx ended before the attempt budget was spent.
	Interrupted bool
}

// RetryWithResult calls fn until it succeeds or MaxAttempts calls have
// failed, pausing Delay between attempts. The attempt number (starting at 1)
// is passed to fn. If ctx ends while waiting, the last error is returned with
// Interrupted set.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (T, error)) RetryResult[T] {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res RetryResult[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			res.Interrupted = true
			return res
		}

		res.Attempts = attempt
		value, err := fn(attempt)
		if err == nil {
			res.Value = value
			res.Err = nil
			return res
		}
		res.Err = err

		// Don't sleep after the last attempt
		if attempt < maxAttempts && !Sleep(ctx, cfg.Delay) {
			res.Interrupted = true
			return res
		}
	}
	return res
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
