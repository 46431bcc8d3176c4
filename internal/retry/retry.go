// Package retry provides bounded retries with exponential backoff for
// transient provider API failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay bounds the delay between attempts.
	MaxDelay time.Duration
	// Factor is the exponential multiplier.
	Factor float64
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool
}

// DefaultConfig returns the baseline retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Exponential builds a config for exponential backoff with jitter.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Do runs op until it succeeds, returns a permanent error, the context is
// done, or attempts are exhausted. The last error is returned.
func Do(ctx context.Context, config Config, op func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultConfig().InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConfig().MaxDelay
	}
	if config.Factor <= 0 {
		config.Factor = DefaultConfig().Factor
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || attempt >= config.MaxAttempts {
			return lastErr
		}

		delay := Backoff(attempt, config.InitialDelay, config.MaxDelay, config.Factor)
		if config.Jitter {
			delay = withJitter(delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to stop further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff computes the exponential delay for a given attempt.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// withJitter scales a delay by a random factor in [0.5, 1.5).
func withJitter(delay time.Duration) time.Duration {
	factor := 0.5 + rand.Float64() // #nosec G404 -- jitter needs no crypto randomness
	return time.Duration(float64(delay) * factor)
}
