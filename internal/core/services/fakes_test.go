package services

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func eventsOf[T domain.Event](r *recorder) []T {
	var out []T
	for _, ev := range r.all() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockRelay implements ports.SignalingRelay.
type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) PostOffer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error {
	return m.Called(ctx, key, desc).Error(0)
}

func (m *MockRelay) GetOffer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionDescription), args.Error(1)
}

func (m *MockRelay) PostAnswer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error {
	return m.Called(ctx, key, desc).Error(0)
}

func (m *MockRelay) GetAnswer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionDescription), args.Error(1)
}

func (m *MockRelay) PostCandidate(ctx context.Context, key domain.PairingKey, self domain.Role, c domain.ICECandidate) error {
	return m.Called(ctx, key, self, c).Error(0)
}

func (m *MockRelay) GetCandidates(ctx context.Context, key domain.PairingKey, self domain.Role) ([]domain.ICECandidate, error) {
	args := m.Called(ctx, key, self)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ICECandidate), args.Error(1)
}

func (m *MockRelay) DeleteSession(ctx context.Context, key domain.PairingKey, reason domain.StopReason) error {
	return m.Called(ctx, key, reason).Error(0)
}

// fakeMessenger delivers published messages to its own subscribers only
// when loopback is set; tests inject remote messages with deliver.
type fakeMessenger struct {
	mu        sync.Mutex
	published []domain.Message
	joined    []domain.PairingKey
	subs      map[int]func(domain.Message)
	next      int
	loopback  bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{subs: make(map[int]func(domain.Message))}
}

func (f *fakeMessenger) Join(ctx context.Context, key domain.PairingKey) error {
	f.mu.Lock()
	f.joined = append(f.joined, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) joinedKeys() []domain.PairingKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PairingKey(nil), f.joined...)
}

func (f *fakeMessenger) Publish(ctx context.Context, msg domain.Message) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	loop := f.loopback
	f.mu.Unlock()
	if loop {
		f.deliver(msg)
	}
	return nil
}

func (f *fakeMessenger) Subscribe(fn func(domain.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeMessenger) Close() error { return nil }

func (f *fakeMessenger) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeMessenger) deliver(msg domain.Message) {
	f.mu.Lock()
	fns := make([]func(domain.Message), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeMessenger) sent(t domain.MessageType) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.published {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeProvider is a scriptable ports.Provider.
type fakeProvider struct {
	id       domain.ProviderID
	opts     ports.ProviderOptions
	startErr error
	block    chan struct{}
	bars     int

	mu       sync.Mutex
	started  int
	stopped  int
	muted    bool
	key      domain.PairingKey
	counters domain.ByteCounters
	offers   []string
}

func (p *fakeProvider) ID() domain.ProviderID { return p.id }

func (p *fakeProvider) Start(ctx context.Context, key domain.PairingKey) error {
	p.mu.Lock()
	p.started++
	p.key = key
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.startErr
}

func (p *fakeProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) SetMicMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *fakeProvider) QualityBars() int { return p.bars }

func (p *fakeProvider) Counters() domain.ByteCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

func (p *fakeProvider) OfferPushed(sdp string) {
	p.mu.Lock()
	p.offers = append(p.offers, sdp)
	p.mu.Unlock()
}

func (p *fakeProvider) stats() (started, stopped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started, p.stopped
}

func (p *fakeProvider) isMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// fakeFactory hands out a fresh fakeProvider per New call, configured by
// the template registered for its id.
type fakeFactory struct {
	mu        sync.Mutex
	templates map[domain.ProviderID]fakeProvider
	created   []*fakeProvider
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{templates: make(map[domain.ProviderID]fakeProvider)}
}

func (f *fakeFactory) set(id domain.ProviderID, startErr error, bars int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[id] = fakeProvider{startErr: startErr, bars: bars}
}

func (f *fakeFactory) setBlocking(id domain.ProviderID, block chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.templates[id]
	t.block = block
	f.templates[id] = t
}

func (f *fakeFactory) New(id domain.ProviderID, opts ports.ProviderOptions) (ports.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.templates[id]
	p := &fakeProvider{id: id, opts: opts, startErr: t.startErr, bars: t.bars, block: t.block}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeFactory) providers() []*fakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeProvider, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeFactory) ids() []domain.ProviderID {
	var out []domain.ProviderID
	for _, p := range f.providers() {
		out = append(out, p.id)
	}
	return out
}

// hintTable is a fixed ports.HintSource keyed by target.
type hintTable map[string]domain.TargetQuality

func (h hintTable) Hint(target string) (domain.TargetQuality, bool) {
	q, ok := h[target]
	return q, ok
}

// fakeMetrics records fallbacks and provider starts.
type fakeMetrics struct {
	mu        sync.Mutex
	fallbacks [][2]domain.ProviderID
	starts    map[domain.ProviderID][2]int
	restarts  int
	scores    map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{starts: make(map[domain.ProviderID][2]int), scores: make(map[string]int)}
}

func (m *fakeMetrics) SetBars(int)             {}
func (m *fakeMetrics) SetStatus(domain.Status) {}
func (m *fakeMetrics) RelayError(string)       {}

func (m *fakeMetrics) ProviderStart(p domain.ProviderID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.starts[p]
	if ok {
		c[0]++
	} else {
		c[1]++
	}
	m.starts[p] = c
}

func (m *fakeMetrics) Fallback(from, to domain.ProviderID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, [2]domain.ProviderID{from, to})
}

func (m *fakeMetrics) PreflightScore(target string, score int, connect time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[target] = score
}

func (m *fakeMetrics) CaptureRestart(domain.CaptureProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func (m *fakeMetrics) fallbackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fallbacks)
}

func (m *fakeMetrics) restartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}
