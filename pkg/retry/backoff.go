// Package retry provides bounded, in-request retry with backoff for outbound calls.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Default backoff values, tuned for calls made while a client waits.
const (
	DefaultBaseInterval = 1 * time.Second
	DefaultMaxInterval  = 10 * time.Second
	DefaultJitter       = 0.1
)

// BackoffStrategy defines how to calculate the wait before the next attempt.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^attempt
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

// ParseStrategy maps "exponential", "linear" and "constant" to a strategy.
// Unknown names fall back to exponential.
func ParseStrategy(s string) BackoffStrategy {
	switch s {
	case "linear":
		return BackoffLinear
	case "constant":
		return BackoffConstant
	default:
		return BackoffExponential
	}
}

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the wait after the first failed attempt.
	// Default is DefaultBaseInterval (1 second).
	BaseInterval time.Duration

	// MaxInterval is the maximum wait between attempts.
	MaxInterval time.Duration

	// Jitter adds randomness to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	// Default is 0.1 (10% jitter).
	Jitter float64
}

// DefaultBackoffConfig returns a BackoffConfig with default values.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		Jitter:       DefaultJitter,
	}
}

// Interval returns the wait after the given failed attempt (1-based).
//
// Schedule with the default 1-second base:
//
//	attempt 1: 1s
//	attempt 2: 2s
//	attempt 3: 4s
//	attempt 4: 8s
//	attempt 5: 10s (capped at MaxInterval)
func (c *BackoffConfig) Interval(attempts int) time.Duration {
	return c.calculateInterval(attempts)
}

// calculateInterval calculates the backoff interval for the given attempt.
func (c *BackoffConfig) calculateInterval(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempts)

	case BackoffConstant:
		interval = c.BaseInterval

	default:
		// Exponential: attempts 1 -> 1x, attempts 2 -> 2x, attempts 3 -> 4x, etc.
		multiplier := math.Pow(2, float64(attempts-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}

	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}

	return interval
}

// applyJitter adds randomness to the interval to prevent thundering herd.
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// For jitter=0.1 the result lies in [0.9, 1.1] * interval.
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(interval) + jitterValue)
}

// RetrySchedule returns the waits between maxAttempts attempts, without jitter.
// Useful for logging the expected worst case at startup.
func (c *BackoffConfig) RetrySchedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 1 {
		return nil
	}

	preview := *c
	preview.Jitter = 0

	schedule := make([]time.Duration, maxAttempts-1)
	for i := range schedule {
		schedule[i] = preview.calculateInterval(i + 1)
	}
	return schedule
}

// TotalBackoffTime is the sum of RetrySchedule: the longest a caller can
// spend sleeping between attempts.
func (c *BackoffConfig) TotalBackoffTime(maxAttempts int) time.Duration {
	var total time.Duration
	for _, d := range c.RetrySchedule(maxAttempts) {
		total += d
	}
	return total
}
