package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned once every attempt allowed by the policy failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff computes the wait before retry number attempt (0-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt up to Max, then adds
// a uniform jitter in [0, Jitter).
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration
	// Rand returns values in [0,1). Defaults to math/rand.
	Rand func() float64
}

func (e Exponential) Delay(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(e.Initial) * math.Pow(mult, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	d := time.Duration(delay)
	if e.Jitter > 0 {
		r := e.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(e.Jitter))
	}
	return d
}

// Linear waits Step*(attempt+1), capped at Max.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	d := l.Step * time.Duration(attempt+1)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Config holds retry configuration
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Backoff    Backoff
	// NonRetryable returns true for errors that must end the loop at once.
	NonRetryable func(error) bool
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Backoff: Exponential{
			Initial:    100 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
		},
	}
}

// Policy is a bounded retry state machine: it counts attempts, hands out the
// next delay and reaches a terminal state after MaxRetries retries.
type Policy struct {
	cfg     Config
	retries int
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Next returns the delay before the next retry, or false when the policy is
// exhausted. Each true result consumes one retry.
func (p *Policy) Next() (time.Duration, bool) {
	if p.retries >= p.cfg.MaxRetries {
		return 0, false
	}
	var d time.Duration
	if p.cfg.Backoff != nil {
		d = p.cfg.Backoff.Delay(p.retries)
	}
	p.retries++
	return d, true
}

// Retries returns how many retries were handed out so far.
func (p *Policy) Retries() int { return p.retries }

func (p *Policy) Exhausted() bool { return p.retries >= p.cfg.MaxRetries }

func (p *Policy) Reset() { p.retries = 0 }

// Retry executes fn until it succeeds, the policy is exhausted or ctx ends.
func Retry(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := RetryWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	policy := NewPolicy(cfg)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}

		if cfg.NonRetryable != nil && cfg.NonRetryable(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}

		delay, ok := policy.Next()
		if !ok {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt+1, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
