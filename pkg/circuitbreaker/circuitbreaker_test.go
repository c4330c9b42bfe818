package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTestError = errors.New("test error")

func failing(context.Context) error { return errTestError }
func passing(context.Context) error { return nil }

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
	})
	cb.now = func() time.Time { return *now }
	return cb
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, failing), errTestError)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, failing), errTestError)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	now = now.Add(2 * time.Second)

	assert.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)

	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	cb.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestExecute_ReturnsValue(t *testing.T) {
	cb := New(DefaultConfig())
	v, err := Execute(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })

	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}
