package retry

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the default total number of attempts (first try included).
const DefaultMaxAttempts = 3

// Policy decides how often and on which errors an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff computes the wait between attempts. Nil means DefaultBackoffConfig.
	Backoff *BackoffConfig

	// Retryable reports whether err is worth another attempt.
	// Nil means nothing is retried.
	Retryable func(err error) bool

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, wait time.Duration)

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Result describes how a retried operation ended.
type Result struct {
	Attempts int
	Err      error
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted, or ctx is done. It returns the last error seen.
//
// fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) Result {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoffConfig()
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return Result{Attempts: attempt}
		}
		if attempt == maxAttempts || p.Retryable == nil || !p.Retryable(lastErr) {
			return Result{Attempts: attempt, Err: lastErr}
		}

		wait := backoff.Interval(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			// Report the operation's error, not the cancellation.
			return Result{Attempts: attempt, Err: lastErr}
		}
	}
	return Result{Attempts: maxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
