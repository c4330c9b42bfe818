package providers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

// stubBars is the quality the stub reports while "connected".
const stubBars = 2

// Stub keeps the session lifecycle going without any media path.
type Stub struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	key     domain.PairingKey
	muted   bool
}

var _ ports.Provider = (*Stub)(nil)

func NewStub(logger *zap.SugaredLogger) *Stub {
	return &Stub{logger: logger.With("provider", domain.ProviderStub)}
}

func (s *Stub) ID() domain.ProviderID { return domain.ProviderStub }

func (s *Stub) Start(ctx context.Context, key domain.PairingKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = true
	s.key = key
	s.mu.Unlock()
	s.logger.Infow("stub connected", "pairing_key", key)
	return nil
}

func (s *Stub) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *Stub) SetMicMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *Stub) MicMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Stub) QualityBars() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return stubBars
}

func (s *Stub) Counters() domain.ByteCounters { return domain.ByteCounters{} }
