package providers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func eventsOf[T domain.Event](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, ev := range r.events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// memRelay is an in-memory ports.SignalingRelay with the relay's
// latest-write-wins and drain-on-read behavior.
type memRelay struct {
	mu         sync.Mutex
	offers     map[domain.PairingKey]domain.SessionDescription
	answers    map[domain.PairingKey]domain.SessionDescription
	candidates map[domain.PairingKey]map[domain.Role][]domain.ICECandidate
	deleted    []domain.StopReason
	postOffers int
	failOffers int
}

func newMemRelay() *memRelay {
	return &memRelay{
		offers:     make(map[domain.PairingKey]domain.SessionDescription),
		answers:    make(map[domain.PairingKey]domain.SessionDescription),
		candidates: make(map[domain.PairingKey]map[domain.Role][]domain.ICECandidate),
	}
}

var errRelayDown = errors.New("relay down")

func (r *memRelay) PostOffer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postOffers++
	if r.failOffers > 0 {
		r.failOffers--
		return errRelayDown
	}
	r.offers[key] = desc
	delete(r.answers, key)
	return nil
}

func (r *memRelay) GetOffer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.offers[key]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *memRelay) PostAnswer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[key] = desc
	return nil
}

func (r *memRelay) GetAnswer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.answers[key]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *memRelay) PostCandidate(ctx context.Context, key domain.PairingKey, self domain.Role, c domain.ICECandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.candidates[key] == nil {
		r.candidates[key] = make(map[domain.Role][]domain.ICECandidate)
	}
	r.candidates[key][self] = append(r.candidates[key][self], c)
	return nil
}

func (r *memRelay) GetCandidates(ctx context.Context, key domain.PairingKey, self domain.Role) ([]domain.ICECandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := self.Peer()
	cs := r.candidates[key][from]
	if len(cs) > 0 {
		r.candidates[key][from] = nil
	}
	return cs, nil
}

func (r *memRelay) DeleteSession(ctx context.Context, key domain.PairingKey, reason domain.StopReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.offers, key)
	delete(r.answers, key)
	delete(r.candidates, key)
	r.deleted = append(r.deleted, reason)
	return nil
}

func (r *memRelay) answer(key domain.PairingKey) (domain.SessionDescription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.answers[key]
	return d, ok
}

func (r *memRelay) offer(key domain.PairingKey) (domain.SessionDescription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.offers[key]
	return d, ok
}

func (r *memRelay) offerPosts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.postOffers
}

func (r *memRelay) deletions() []domain.StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StopReason(nil), r.deleted...)
}

// fakePeer is a scriptable ports.PeerConnection. Data channels open when
// the remote description is applied if openOnRemote is set.
type fakePeer struct {
	cfg          ports.PeerConfig
	openOnRemote bool
	echo         bool

	mu            sync.Mutex
	local         *domain.SessionDescription
	remote        *domain.SessionDescription
	applied       []domain.ICECandidate
	channels      []*fakeChannel
	onCandidate   func(domain.ICECandidate)
	onState       func(ports.PeerState)
	onTrack       func(ports.TrackInfo)
	onRemoteVideo func()
	onDataChannel func(ports.DataChannel)
	muted         bool
	closed        int
	counters      domain.ByteCounters
}

func (p *fakePeer) WriteAudio(ports.MediaSample) error { return nil }
func (p *fakePeer) WriteVideo(ports.MediaSample) error { return nil }

func (p *fakePeer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return domain.SessionDescription{}, errors.New("no remote description")
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "answer-to-" + p.remote.SDP}, nil
}

func (p *fakePeer) SetLocalDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	p.remote = &desc
	channels := append([]*fakeChannel(nil), p.channels...)
	open := p.openOnRemote
	p.mu.Unlock()
	if open {
		for _, ch := range channels {
			go ch.open()
		}
	}
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(ports.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(ports.TrackInfo)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteVideo(fn func()) {
	p.mu.Lock()
	p.onRemoteVideo = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnDataChannel(fn func(ports.DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = fn
	p.mu.Unlock()
}

func (p *fakePeer) CreateDataChannel(label string) (ports.DataChannel, error) {
	ch := &fakeChannel{label: label, echo: p.echo}
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch, nil
}

func (p *fakePeer) SelectedPair() (domain.CandidateInfo, domain.CandidateInfo, bool) {
	host := domain.CandidateInfo{Type: "host", Protocol: "udp"}
	return host, host, true
}

func (p *fakePeer) Counters() domain.ByteCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

func (p *fakePeer) SetMicMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(domain.ICECandidate{Candidate: c})
}

func (p *fakePeer) setState(s ports.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) emitTrack(t ports.TrackInfo) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) emitRemoteVideo() {
	p.mu.Lock()
	fn := p.onRemoteVideo
	p.mu.Unlock()
	fn()
}

func (p *fakePeer) emitDataChannel(ch *fakeChannel) {
	p.mu.Lock()
	fn := p.onDataChannel
	p.mu.Unlock()
	fn(ch)
}

// fakeChannel answers pf-ping with pf-pong when echo is set.
type fakeChannel struct {
	label string
	echo  bool

	mu        sync.Mutex
	onOpen    func()
	onMessage func([]byte)
	sent      [][]byte
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	echo, fn := c.echo, c.onMessage
	c.mu.Unlock()

	if echo && fn != nil {
		var msg pingMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == pfPing {
			reply, _ := json.Marshal(pingMessage{Type: pfPong, T: msg.T})
			go fn(reply)
		}
	}
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) open() {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) receive(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn(data)
}

func (c *fakeChannel) sentMessages() []pingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []pingMessage
	for _, data := range c.sent {
		var msg pingMessage
		if json.Unmarshal(data, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

// fakePeers hands out a new fakePeer per call, configured by template.
type fakePeers struct {
	openOnRemote bool
	echo         bool
	err          error

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewPeer(cfg ports.PeerConfig) (ports.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{cfg: cfg, openOnRemote: f.openOnRemote, echo: f.echo}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTokens struct {
	servers []domain.ICEServer
	err     error

	mu       sync.Mutex
	requests int
}

func (f *fakeTokens) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	return f.servers, nil
}

func (f *fakeTokens) RequestToken(ctx context.Context, provider domain.ProviderID, key domain.PairingKey, role domain.Role) (domain.RoomToken, error) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
	if f.err != nil {
		return domain.RoomToken{}, f.err
	}
	return domain.RoomToken{Token: "tok-" + string(key)}, nil
}

// fakeRenderer fails the first failures attaches.
type fakeRenderer struct {
	mu       sync.Mutex
	failures int
	attempts int
	attached []string
	detached []string
}

var errSurfaceNotReady = errors.New("surface not ready")

func (r *fakeRenderer) Attach(t ports.TrackInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failures > 0 {
		r.failures--
		return errSurfaceNotReady
	}
	r.attached = append(r.attached, t.ID)
	return nil
}

func (r *fakeRenderer) Detach(trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = append(r.detached, trackID)
}

func (r *fakeRenderer) state() (attempts int, attached, detached []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts, append([]string(nil), r.attached...), append([]string(nil), r.detached...)
}

type fakeRoom struct {
	existing   []ports.RemotePublication
	publishErr error
	subscribe  func(ctx context.Context, pub ports.RemotePublication) (ports.TrackInfo, error)

	mu             sync.Mutex
	published      bool
	subscriptions  []string
	onPublication  func(ports.RemotePublication)
	onRemoteVideo  func()
	onDisconnected func(error)
	muted          bool
	closed         int
}

func (r *fakeRoom) WriteAudio(ports.MediaSample) error { return nil }
func (r *fakeRoom) WriteVideo(ports.MediaSample) error { return nil }

func (r *fakeRoom) Publish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return r.publishErr
	}
	r.published = true
	return nil
}

func (r *fakeRoom) Publications() []ports.RemotePublication { return r.existing }

func (r *fakeRoom) OnPublication(fn func(ports.RemotePublication)) {
	r.mu.Lock()
	r.onPublication = fn
	r.mu.Unlock()
}

func (r *fakeRoom) Subscribe(ctx context.Context, pub ports.RemotePublication) (ports.TrackInfo, error) {
	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, pub.SID)
	fn := r.subscribe
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, pub)
	}
	return ports.TrackInfo{ID: "track-" + pub.SID, Kind: pub.Kind}, nil
}

func (r *fakeRoom) OnRemoteVideo(fn func()) {
	r.mu.Lock()
	r.onRemoteVideo = fn
	r.mu.Unlock()
}

func (r *fakeRoom) OnDisconnected(fn func(error)) {
	r.mu.Lock()
	r.onDisconnected = fn
	r.mu.Unlock()
}

func (r *fakeRoom) Counters() domain.ByteCounters { return domain.ByteCounters{VideoIn: 10} }

func (r *fakeRoom) SetMicMuted(muted bool) {
	r.mu.Lock()
	r.muted = muted
	r.mu.Unlock()
}

func (r *fakeRoom) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) subscribed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subscriptions...)
}

func (r *fakeRoom) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRoom) publish(pub ports.RemotePublication) {
	r.mu.Lock()
	fn := r.onPublication
	r.mu.Unlock()
	fn(pub)
}

func (r *fakeRoom) disconnect(err error) {
	r.mu.Lock()
	fn := r.onDisconnected
	r.mu.Unlock()
	fn(err)
}

type fakeConnector struct {
	room *fakeRoom
	err  error
	// block makes Connect wait for ctx.
	block bool

	mu       sync.Mutex
	identity string
}

func (c *fakeConnector) Connect(ctx context.Context, token domain.RoomToken, identity string) (ports.Room, error) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.room, nil
}

type fakeDevice struct {
	mu     sync.Mutex
	closed bool
}

func (d *fakeDevice) Formats() []domain.CaptureFormat      { return nil }
func (d *fakeDevice) Apply(cfg domain.CaptureConfig) error { return nil }
func (d *fakeDevice) Pause() error                         { return nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeCapture struct {
	device *fakeDevice
	err    error
}

func (c *fakeCapture) Open(ctx context.Context, sink ports.MediaSink) (ports.CaptureDevice, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.device, nil
}

type fakeBinder struct {
	mu       sync.Mutex
	attached ports.CaptureDevice
	detached int
}

func (b *fakeBinder) Attach(device ports.CaptureDevice) {
	b.mu.Lock()
	b.attached = device
	b.mu.Unlock()
}

func (b *fakeBinder) Detach() {
	b.mu.Lock()
	b.attached = nil
	b.detached++
	b.mu.Unlock()
}
