package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DefaultConfig(t *testing.T) {
	config := DefaultBackoffConfig()

	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.Equal(t, 5, config.MaxAttempts)
}

func TestBackoff_DelayDoublesUntilCap(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	})

	assert.Equal(t, 100*time.Millisecond, backoff.Delay(0))
	assert.Equal(t, 200*time.Millisecond, backoff.Delay(1))
	assert.Equal(t, 400*time.Millisecond, backoff.Delay(2))
	assert.Equal(t, 800*time.Millisecond, backoff.Delay(3))
	assert.Equal(t, 1*time.Second, backoff.Delay(4))
	assert.Equal(t, 1*time.Second, backoff.Delay(30))
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       true,
	})

	for i := 0; i < 50; i++ {
		d := backoff.Delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestBackoff_SuccessFirstAttempt(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 3})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2, MaxAttempts: 3})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoff_ExhaustsAttempts(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 4})

	attempts := 0
	want := errors.New("still failing")
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return want
	})

	assert.ErrorIs(t, err, want)
	assert.Equal(t, 4, attempts)
}

func TestBackoff_NonRetryableStopsImmediately(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 5})

	attempts := 0
	fatal := errors.New("fatal")
	err := backoff.RetryIf(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_ContextCancelled(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := backoff.Retry(ctx, func() error { return errors.New("fail") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewBackoff_NormalisesConfig(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond})
	assert.Equal(t, 1, backoff.MaxAttempts())
	assert.Equal(t, 2*time.Millisecond, backoff.Delay(1))
}

func TestBackoff_OnRetryReportsEachWait(t *testing.T) {
	var attempts []int
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			assert.EqualError(t, err, "flaky")
			assert.LessOrEqual(t, wait, 4*time.Millisecond)
			attempts = append(attempts, attempt)
		},
	})

	err := backoff.Retry(context.Background(), func() error { return errors.New("flaky") })
	assert.EqualError(t, err, "flaky")
	assert.Equal(t, []int{0, 1}, attempts)
}
