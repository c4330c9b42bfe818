package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries: retries,
		Backoff:    Linear{Step: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(int) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(int) error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_Exhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func(int) error {
		attempts++
		return errTestError
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTestError)
	assert.Equal(t, 3, attempts) // first attempt + 2 retries
}

func TestRetry_NonRetryable(t *testing.T) {
	cfg := fastConfig(5)
	cfg.NonRetryable = func(err error) bool { return errors.Is(err, errNonRetryable) }

	attempts := 0
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		return errNonRetryable
	})

	assert.ErrorIs(t, err, errNonRetryable)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	cfg := Config{MaxRetries: 5, Backoff: Linear{Step: time.Second, Max: time.Second}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Retry(ctx, cfg, func(int) error {
		attempts++
		return errTestError
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult_PassesAttemptNumber(t *testing.T) {
	var seen []int
	result, err := RetryWithResult(context.Background(), fastConfig(3), func(attempt int) (string, error) {
		seen = append(seen, attempt)
		if attempt < 2 {
			return "", errTestError
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := Linear{Step: 150 * time.Millisecond, Max: 500 * time.Millisecond}

	assert.Equal(t, 150*time.Millisecond, l.Delay(0))
	assert.Equal(t, 300*time.Millisecond, l.Delay(1))
	assert.Equal(t, 450*time.Millisecond, l.Delay(2))
	assert.Equal(t, 500*time.Millisecond, l.Delay(3))
	assert.Equal(t, 500*time.Millisecond, l.Delay(50))
}

func TestExponential_DoublesWithCapAndJitter(t *testing.T) {
	e := Exponential{
		Initial:    time.Second,
		Max:        8 * time.Second,
		Multiplier: 2,
		Jitter:     300 * time.Millisecond,
		Rand:       func() float64 { return 0.5 },
	}

	assert.Equal(t, time.Second+150*time.Millisecond, e.Delay(0))
	assert.Equal(t, 2*time.Second+150*time.Millisecond, e.Delay(1))
	assert.Equal(t, 8*time.Second+150*time.Millisecond, e.Delay(5))
}

func TestPolicy_TerminatesAfterMaxRetries(t *testing.T) {
	p := NewPolicy(Config{MaxRetries: 2, Backoff: Linear{Step: time.Millisecond}})

	_, ok := p.Next()
	assert.True(t, ok)
	_, ok = p.Next()
	assert.True(t, ok)
	_, ok = p.Next()
	assert.False(t, ok)
	assert.True(t, p.Exhausted())
	assert.Equal(t, 2, p.Retries())

	p.Reset()
	assert.False(t, p.Exhausted())
}
