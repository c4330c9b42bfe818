package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	apperrors "kiosklink/pkg/errors"
)

// cadence paces a polling loop: count polls at the burst interval, then the
// steady interval until reset.
type cadence struct {
	burst  time.Duration
	count  int
	steady time.Duration
	n      int
}

func (c *cadence) next() time.Duration {
	if c.n < c.count {
		c.n++
		return c.burst
	}
	return c.steady
}

func (c *cadence) reset() { c.n = 0 }

// poll calls fn on the cadence until fn reports done or ctx ends. A value on
// kick polls immediately and restarts the burst.
func poll(ctx context.Context, c *cadence, kick <-chan struct{}, fn func(ctx context.Context) bool) {
	timer := time.NewTimer(c.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			c.reset()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if fn(ctx) {
			return
		}
		timer.Reset(c.next())
	}
}

// candidateBuffer holds remote candidates until the remote description is
// applied, then flushes them in arrival order. Later candidates are applied
// directly.
type candidateBuffer struct {
	apply  func(domain.ICECandidate) error
	logger *zap.SugaredLogger

	mu      sync.Mutex
	ready   bool
	pending []domain.ICECandidate
}

func newCandidateBuffer(apply func(domain.ICECandidate) error, logger *zap.SugaredLogger) *candidateBuffer {
	return &candidateBuffer{apply: apply, logger: logger}
}

func (b *candidateBuffer) Add(cs ...domain.ICECandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		b.pending = append(b.pending, cs...)
		return
	}
	for _, c := range cs {
		b.applyLocked(c)
	}
}

// Ready marks the remote description as applied and flushes the queue.
func (b *candidateBuffer) Ready() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return
	}
	b.ready = true
	for _, c := range b.pending {
		b.applyLocked(c)
	}
	b.pending = nil
}

func (b *candidateBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *candidateBuffer) applyLocked(c domain.ICECandidate) {
	if err := b.apply(c); err != nil {
		b.logger.Debugw("failed to apply remote candidate", "error", err)
	}
}

// candidateSender posts local candidates to the relay one at a time, in the
// order they were gathered.
type candidateSender struct {
	mu      sync.Mutex
	pending []domain.ICECandidate
	wake    chan struct{}
}

func newCandidateSender() *candidateSender {
	return &candidateSender{wake: make(chan struct{}, 1)}
}

// Push queues c without blocking the caller.
func (s *candidateSender) Push(c domain.ICECandidate) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue through post until ctx ends.
func (s *candidateSender) Run(ctx context.Context, post func(context.Context, domain.ICECandidate)) {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, c := range batch {
			if ctx.Err() != nil {
				return
			}
			post(ctx, c)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// logRelayError logs transient relay failures quietly; the next poll retries.
func logRelayError(logger *zap.SugaredLogger, op string, key domain.PairingKey, err error) {
	if err == nil || isCancelled(err) {
		return
	}
	if apperrors.IsTransient(err) {
		logger.Debugw("relay request failed", "op", op, "pairing_key", key, "error", err)
		return
	}
	logger.Warnw("relay request failed", "op", op, "pairing_key", key, "error", err)
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
