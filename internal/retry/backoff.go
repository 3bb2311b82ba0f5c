// Package retry provides capped exponential backoff shared by the REST
// client, the signaling reconnect loop and the local cache.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	// Jitter spreads each delay by up to 25% either way
	Jitter bool
	// OnRetry runs before each wait with the failed attempt (zero-based)
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Backoff computes delays and runs retry loops
type Backoff struct {
	config BackoffConfig
}

func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Backoff{config: config}
}

// MaxAttempts returns the configured attempt budget
func (b *Backoff) MaxAttempts() int {
	return b.config.MaxAttempts
}

// Retry runs operation until it succeeds, the budget is spent or ctx ends
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryIf(ctx, operation, func(error) bool { return true })
}

// RetryIf is Retry that gives up at once on errors retryable rejects. The
// last error is returned when the budget is spent.
func (b *Backoff) RetryIf(ctx context.Context, operation func() error, retryable func(error) bool) error {
	var err error
	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = operation(); err == nil || !retryable(err) {
			return err
		}
		if attempt == b.config.MaxAttempts-1 {
			break
		}

		wait := b.Delay(attempt)
		if b.config.OnRetry != nil {
			b.config.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Delay returns the wait after failed attempt n (zero-based):
// min(InitialDelay * Multiplier^n, MaxDelay), jittered when enabled and
// never above MaxDelay.
func (b *Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(n))
	if b.config.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}
	if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}
	return time.Duration(delay)
}
