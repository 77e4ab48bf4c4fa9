package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff returns the delay after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// Linear waits base × attempt: 2s, 4s, 6s for a 2s base.
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential waits initial × multiplier^(attempt-1), capped at maxDelay, with
// ±jitter fraction of randomness.
func Exponential(initial, maxDelay time.Duration, multiplier, jitter float64) Backoff {
	return func(attempt int) time.Duration {
		delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if maxDelay > 0 && delay > float64(maxDelay) {
			delay = float64(maxDelay)
		}
		if jitter > 0 {
			delay += (rand.Float64()*2 - 1) * delay * jitter
		}
		return time.Duration(max(delay, 0))
	}
}

// RetryConfig controls retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first. Default: 3.
	MaxAttempts int

	// Backoff computes the sleep between attempts. Default: Linear(2s).
	Backoff Backoff

	// ShouldRetry overrides the default IsTransient check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the failed attempt number.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is the batch retry policy: three attempts, linear 2s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     Linear(2 * time.Second),
	}
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. fn receives the 1-based attempt number.
// Cancelling ctx aborts the backoff sleep and returns the last error.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Linear(2 * time.Second)
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx, attempt)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(err) || attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(component string, fields ...zap.Field) func(int, error) {
	log := zap.L().With(append([]zap.Field{zap.String("component", component)}, fields...)...)
	return func(attempt int, err error) {
		log.Warn("retrying after transient error", zap.Int("attempt", attempt), zap.Error(err))
	}
}
