package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

type HealthConfig struct {
	SampleInterval    time.Duration
	Window            time.Duration
	AudioHealthyBytes uint64
	VideoHealthyBytes uint64
	MarginalBytes     uint64
}

// CounterSource exposes cumulative transport byte counters.
type CounterSource interface {
	Counters() domain.ByteCounters
}

const (
	streamAudioIn = iota
	streamAudioOut
	streamVideoIn
	streamVideoOut
	streamCount
)

// HealthMonitor derives per-stream liveness from byte counters. A stream is
// alive while its counter increased within the trailing window.
type HealthMonitor struct {
	cfg       HealthConfig
	events    ports.EventPublisher
	messenger ports.Messenger
	sender    string
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu           sync.RWMutex
	last         domain.ByteCounters
	hasLast      bool
	lastIncrease [streamCount]time.Time
	lastDelta    [streamCount]uint64
	snapshot     domain.HealthSnapshot
	bars         int
	wasAlive     bool
	remote       domain.HealthSnapshot
	attempt      uint64
}

// NewHealthMonitor creates a monitor. messenger may be nil, in which case
// no heartbeats are sent.
func NewHealthMonitor(
	cfg HealthConfig,
	events ports.EventPublisher,
	messenger ports.Messenger,
	sender string,
	logger *zap.SugaredLogger,
) *HealthMonitor {
	return &HealthMonitor{
		cfg:       cfg,
		events:    events,
		messenger: messenger,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
	}
}

// Run samples source every SampleInterval until ctx is done. The monitor
// state is reset on entry so each connection starts from a fresh baseline,
// and the events it publishes carry attempt.
func (m *HealthMonitor) Run(ctx context.Context, key domain.PairingKey, attempt uint64, source CounterSource) {
	m.Reset()
	m.mu.Lock()
	m.attempt = attempt
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.Sample(source.Counters())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Sample(source.Counters())
			m.heartbeat(ctx, key, snap)
		}
	}
}

// Sample folds one counter reading into the monitor and returns the new
// snapshot. Events are published when the snapshot or bars change.
func (m *HealthMonitor) Sample(c domain.ByteCounters) domain.HealthSnapshot {
	now := m.now()
	cur := [streamCount]uint64{c.AudioIn, c.AudioOut, c.VideoIn, c.VideoOut}

	m.mu.Lock()
	prev := [streamCount]uint64{m.last.AudioIn, m.last.AudioOut, m.last.VideoIn, m.last.VideoOut}

	if m.hasLast {
		for i := range cur {
			if cur[i] < prev[i] {
				// counters went backwards: a new connection, start over
				m.resetLocked()
				break
			}
		}
	}

	if m.hasLast {
		for i := range cur {
			if delta := cur[i] - prev[i]; delta > 0 {
				m.lastIncrease[i] = now
				m.lastDelta[i] = delta
			}
		}
	}
	m.last = c
	m.hasLast = true

	var alive [streamCount]bool
	for i := range alive {
		alive[i] = !m.lastIncrease[i].IsZero() && now.Sub(m.lastIncrease[i]) < m.cfg.Window
	}
	snap := domain.HealthSnapshot{
		AudioInbound:  alive[streamAudioIn],
		AudioOutbound: alive[streamAudioOut],
		VideoInbound:  alive[streamVideoIn],
		VideoOutbound: alive[streamVideoOut],
		At:            now,
	}
	bars := m.barsLocked(alive)

	changed := !sameFlags(snap, m.snapshot) || bars != m.bars
	lost := m.wasAlive && !snap.Any()
	if snap.Any() {
		m.wasAlive = true
	} else if lost {
		m.wasAlive = false
	}
	m.snapshot = snap
	m.bars = bars
	attempt := m.attempt
	m.mu.Unlock()

	if changed {
		m.events.Publish(domain.HealthChanged{Snapshot: snap, Bars: bars, Attempt: attempt})
	}
	if lost {
		m.logger.Warnw("all media streams went quiet", "window", m.cfg.Window)
		m.events.Publish(domain.LivenessLost{Snapshot: snap, Attempt: attempt})
	}
	return snap
}

// barsLocked: 3 when audio and video flow both ways at healthy rates,
// 2 for healthy audio only, 1 for marginal audio, 0 otherwise.
func (m *HealthMonitor) barsLocked(alive [streamCount]bool) int {
	healthy := func(i int, threshold uint64) bool {
		return alive[i] && m.lastDelta[i] >= threshold
	}

	audio := healthy(streamAudioIn, m.cfg.AudioHealthyBytes) && healthy(streamAudioOut, m.cfg.AudioHealthyBytes)
	video := healthy(streamVideoIn, m.cfg.VideoHealthyBytes) && healthy(streamVideoOut, m.cfg.VideoHealthyBytes)

	switch {
	case audio && video:
		return 3
	case audio:
		return 2
	case healthy(streamAudioIn, m.cfg.MarginalBytes) || healthy(streamAudioOut, m.cfg.MarginalBytes):
		return 1
	default:
		return 0
	}
}

func sameFlags(a, b domain.HealthSnapshot) bool {
	return a.AudioInbound == b.AudioInbound &&
		a.AudioOutbound == b.AudioOutbound &&
		a.VideoInbound == b.VideoInbound &&
		a.VideoOutbound == b.VideoOutbound
}

func (m *HealthMonitor) heartbeat(ctx context.Context, key domain.PairingKey, snap domain.HealthSnapshot) {
	if m.messenger == nil || key == "" {
		return
	}
	msg := domain.HeartbeatMessage(key, snap)
	msg.Sender = m.sender

	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.SampleInterval)
	defer cancel()
	if err := m.messenger.Publish(pubCtx, msg); err != nil {
		m.logger.Debugw("heartbeat not delivered", "pairing_key", key, "error", err)
	}
}

// ObserveRemote records the liveness flags reported by the peer.
func (m *HealthMonitor) ObserveRemote(key domain.PairingKey, snap domain.HealthSnapshot) {
	if snap.At.IsZero() {
		snap.At = m.now()
	}
	m.mu.Lock()
	m.remote = snap
	m.mu.Unlock()

	m.events.Publish(domain.RemoteHealth{PairingKey: key, Snapshot: snap})
}

func (m *HealthMonitor) Snapshot() domain.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *HealthMonitor) Bars() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bars
}

func (m *HealthMonitor) RemoteSnapshot() domain.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote
}

// Reset forgets all samples, including the remote snapshot.
func (m *HealthMonitor) Reset() {
	m.mu.Lock()
	m.resetLocked()
	m.snapshot = domain.HealthSnapshot{}
	m.bars = 0
	m.remote = domain.HealthSnapshot{}
	m.attempt = 0
	m.mu.Unlock()
}

func (m *HealthMonitor) resetLocked() {
	m.last = domain.ByteCounters{}
	m.hasLast = false
	m.lastIncrease = [streamCount]time.Time{}
	m.lastDelta = [streamCount]uint64{}
	m.wasAlive = false
}
