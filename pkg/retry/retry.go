// Package retry provides exponential-backoff retry for poolcore services.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// Config holds retry behavior for a class of operations.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns the baseline retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration tuned for network calls.
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// DatabaseConfig returns retry configuration tuned for database calls.
func DatabaseConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Func is an operation that can be retried.
type Func func() error

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent.
func Do(ctx context.Context, config *Config, fn Func) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(config.delayFor(attempt)):
		}
	}

	return zero, errors.Wrap(lastErr, errors.KindInternal, "retry",
		"operation failed after maximum attempts").
		WithField("max_attempts", config.MaxAttempts)
}

// delayFor computes the backoff delay for an attempt, capped at
// MaxDelay, with up to 10% jitter when enabled.
func (c *Config) delayFor(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}
