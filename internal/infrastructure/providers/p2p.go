package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

type P2PSettings struct {
	OfferBurstInterval       time.Duration
	OfferBurstCount          int
	OfferSteadyInterval      time.Duration
	AnswerPollInterval       time.Duration
	CandidateBurstInterval   time.Duration
	CandidateBurstCount      int
	CandidateSteadyInterval  time.Duration
	OffererCandidateInterval time.Duration
	// ConnectTimeout bounds the time from description exchange to a
	// connected transport.
	ConnectTimeout time.Duration
}

var errPeerFailed = errors.New("peer connection failed")

// PeerToPeer exchanges descriptions and candidates through the relay by
// polling. The cashier offers; the display answers the cashier's offer so
// the offerer's transceiver layout is authoritative.
type PeerToPeer struct {
	cfg    P2PSettings
	deps   Deps
	role   domain.Role
	policy domain.ICEPolicy
	events ports.EventPublisher
	logger *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	key     domain.PairingKey
	pc      ports.PeerConnection
	device  ports.CaptureDevice
	cancel  context.CancelFunc
	offers  chan string
	tracks  []string
	muted   bool
	wg      sync.WaitGroup
}

var (
	_ ports.Provider      = (*PeerToPeer)(nil)
	_ ports.OfferListener = (*PeerToPeer)(nil)
)

func NewPeerToPeer(
	cfg P2PSettings,
	deps Deps,
	role domain.Role,
	policy domain.ICEPolicy,
	events ports.EventPublisher,
	logger *zap.SugaredLogger,
) *PeerToPeer {
	if policy == "" {
		policy = domain.ICEPolicyAll
	}
	return &PeerToPeer{
		cfg:    cfg,
		deps:   deps,
		role:   role,
		policy: policy,
		events: events,
		logger: logger.With("provider", domain.ProviderP2P, "role", role),
	}
}

func (p *PeerToPeer) ID() domain.ProviderID { return domain.ProviderP2P }

// Start creates the connection and starts the signaling loops. It returns
// once signaling runs; media arrival is observed through events.
func (p *PeerToPeer) Start(ctx context.Context, key domain.PairingKey) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("%w: p2p already running", domain.ErrProviderStart)
	}
	muted := p.muted
	p.mu.Unlock()

	var servers []domain.ICEServer
	if p.deps.Tokens != nil {
		s, err := p.deps.Tokens.ICEServers(ctx)
		if err != nil {
			p.logger.Warnw("failed to load ice servers", "error", err)
		}
		servers = s
	}

	pc, err := p.deps.Peers.NewPeer(ports.PeerConfig{
		ICEServers:   servers,
		Policy:       p.policy,
		Media:        true,
		Transceivers: p.role.IsOfferer(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderStart, err)
	}
	pc.SetMicMuted(muted)

	device, err := openCapture(ctx, p.deps, pc)
	if err != nil {
		pc.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	buf := newCandidateBuffer(pc.AddICECandidate, p.logger)
	kick := make(chan struct{}, 1)
	applied := make(chan struct{})
	connected := make(chan struct{})
	var connectedOnce sync.Once

	sender := newCandidateSender()
	pc.OnICECandidate(sender.Push)
	pc.OnTrack(func(t ports.TrackInfo) {
		p.attachTrack(t)
	})
	pc.OnRemoteVideo(func() {
		p.events.Publish(domain.RemoteVideoObserved{PairingKey: key, Provider: domain.ProviderP2P})
	})
	pc.OnStateChange(func(s ports.PeerState) {
		switch s {
		case ports.PeerConnected:
			connectedOnce.Do(func() { close(connected) })
		case ports.PeerFailed:
			if runCtx.Err() == nil {
				p.events.Publish(domain.ProviderLost{PairingKey: key, Provider: domain.ProviderP2P, Err: errPeerFailed})
			}
		}
	})

	p.mu.Lock()
	p.running = true
	p.key = key
	p.pc = pc
	p.device = device
	p.cancel = cancel
	p.offers = make(chan string, 1)
	p.tracks = nil
	offers := p.offers
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sender.Run(runCtx, func(ctx context.Context, c domain.ICECandidate) {
			p.postCandidate(ctx, key, c)
		})
	}()

	if p.role.IsOfferer() {
		offer, err := pc.CreateOffer(ctx)
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err != nil {
			p.Stop(context.Background())
			return fmt.Errorf("%w: %v", domain.ErrProviderStart, err)
		}
		posted := p.postOffer(ctx, key, offer)

		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			p.answerLoop(runCtx, key, pc, offer, posted, buf, kick, applied)
		}()
		go func() {
			defer p.wg.Done()
			c := &cadence{steady: p.cfg.OffererCandidateInterval}
			p.candidateLoop(runCtx, key, c, buf, kick)
		}()
	} else {
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			p.offerLoop(runCtx, key, pc, buf, offers, kick, applied)
		}()
		go func() {
			defer p.wg.Done()
			c := &cadence{
				burst:  p.cfg.CandidateBurstInterval,
				count:  p.cfg.CandidateBurstCount,
				steady: p.cfg.CandidateSteadyInterval,
			}
			p.candidateLoop(runCtx, key, c, buf, kick)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watchConnect(runCtx, key, applied, connected)
	}()

	p.logger.Infow("p2p signaling started", "pairing_key", key, "policy", p.policy)
	return nil
}

func (p *PeerToPeer) postOffer(ctx context.Context, key domain.PairingKey, offer domain.SessionDescription) bool {
	if err := p.deps.Relay.PostOffer(ctx, key, offer); err != nil {
		logRelayError(p.logger, "post_offer", key, err)
		return false
	}
	return true
}

// answerLoop polls for the answer to our offer. The offer is re-posted
// while an earlier post failed.
func (p *PeerToPeer) answerLoop(
	ctx context.Context,
	key domain.PairingKey,
	pc ports.PeerConnection,
	offer domain.SessionDescription,
	posted bool,
	buf *candidateBuffer,
	kick chan<- struct{},
	applied chan<- struct{},
) {
	c := &cadence{steady: p.cfg.AnswerPollInterval}
	poll(ctx, c, nil, func(ctx context.Context) bool {
		if !posted {
			posted = p.postOffer(ctx, key, offer)
			return false
		}

		answer, err := p.deps.Relay.GetAnswer(ctx, key)
		if err != nil {
			logRelayError(p.logger, "get_answer", key, err)
			return false
		}
		if answer == nil {
			return false
		}
		if err := pc.SetRemoteDescription(*answer); err != nil {
			p.logger.Warnw("failed to apply answer", "pairing_key", key, "error", err)
			return false
		}

		buf.Ready()
		close(applied)
		p.logger.Infow("answer applied", "pairing_key", key)
		// candidates are most likely right after the exchange
		select {
		case kick <- struct{}{}:
		default:
		}
		return true
	})
}

// offerLoop waits for the cashier's offer, either polled or pushed over the
// messaging channel, and answers it once.
func (p *PeerToPeer) offerLoop(
	ctx context.Context,
	key domain.PairingKey,
	pc ports.PeerConnection,
	buf *candidateBuffer,
	offers <-chan string,
	kick chan<- struct{},
	applied chan<- struct{},
) {
	var answer *domain.SessionDescription

	apply := func(ctx context.Context, sdp string) bool {
		if sdp == "" {
			offer, err := p.deps.Relay.GetOffer(ctx, key)
			if err != nil {
				logRelayError(p.logger, "get_offer", key, err)
				return false
			}
			if offer == nil {
				return false
			}
			sdp = offer.SDP
		}

		if err := pc.SetRemoteDescription(domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: sdp}); err != nil {
			p.logger.Warnw("failed to apply offer", "pairing_key", key, "error", err)
			return false
		}
		buf.Ready()

		desc, err := pc.CreateAnswer(ctx)
		if err == nil {
			err = pc.SetLocalDescription(desc)
		}
		if err != nil {
			p.logger.Warnw("failed to create answer", "pairing_key", key, "error", err)
			p.events.Publish(domain.ProviderLost{PairingKey: key, Provider: domain.ProviderP2P, Err: err})
			return true
		}
		answer = &desc
		close(applied)
		select {
		case kick <- struct{}{}:
		default:
		}
		return true
	}

	c := &cadence{
		burst:  p.cfg.OfferBurstInterval,
		count:  p.cfg.OfferBurstCount,
		steady: p.cfg.OfferSteadyInterval,
	}

	finished := false
	step := func(ctx context.Context, sdp string) bool {
		finished = p.tryApply(ctx, apply, sdp)
		return finished
	}

	// a pushed offer cancels the poll loop; polling resumes if it fails
	for !finished && ctx.Err() == nil {
		pollCtx, stopPolling := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			poll(pollCtx, c, nil, func(ctx context.Context) bool {
				return step(ctx, "")
			})
		}()

		select {
		case <-done:
		case sdp := <-offers:
			stopPolling()
			<-done
			if !finished {
				p.logger.Debugw("offer pushed, polling cancelled", "pairing_key", key)
				step(ctx, sdp)
			}
		}
		stopPolling()
	}

	if answer == nil {
		return
	}

	// post the answer until the relay takes it
	posted := false
	post := func(ctx context.Context) bool {
		if err := p.deps.Relay.PostAnswer(ctx, key, *answer); err != nil {
			logRelayError(p.logger, "post_answer", key, err)
			return false
		}
		posted = true
		return true
	}
	if !post(ctx) {
		poll(ctx, &cadence{steady: p.cfg.OfferSteadyInterval}, nil, post)
	}
	if posted {
		p.logger.Infow("answer posted", "pairing_key", key)
	}
}

// tryApply serializes offer application between the poll loop and a
// pushed offer.
func (p *PeerToPeer) tryApply(ctx context.Context, apply func(context.Context, string) bool, sdp string) bool {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return true
	}
	if pc.HasRemoteDescription() {
		return true
	}
	return apply(ctx, sdp)
}

func (p *PeerToPeer) candidateLoop(ctx context.Context, key domain.PairingKey, c *cadence, buf *candidateBuffer, kick <-chan struct{}) {
	poll(ctx, c, kick, func(ctx context.Context) bool {
		cs, err := p.deps.Relay.GetCandidates(ctx, key, p.role)
		if err != nil {
			logRelayError(p.logger, "get_candidates", key, err)
			return false
		}
		if len(cs) > 0 {
			p.logger.Debugw("remote candidates received", "pairing_key", key, "count", len(cs))
			buf.Add(cs...)
		}
		return false
	})
}

func (p *PeerToPeer) watchConnect(ctx context.Context, key domain.PairingKey, applied <-chan struct{}, connected <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-connected:
		return
	case <-applied:
	}

	if p.cfg.ConnectTimeout <= 0 {
		return
	}
	timer := time.NewTimer(p.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-connected:
		p.logger.Infow("p2p transport connected", "pairing_key", key)
	case <-timer.C:
		p.logger.Warnw("p2p transport did not connect", "pairing_key", key, "timeout", p.cfg.ConnectTimeout)
		p.events.Publish(domain.ProviderLost{
			PairingKey: key,
			Provider:   domain.ProviderP2P,
			Err:        domain.ErrConnectTimeout,
		})
	}
}

func (p *PeerToPeer) postCandidate(ctx context.Context, key domain.PairingKey, c domain.ICECandidate) {
	if err := p.deps.Relay.PostCandidate(ctx, key, p.role, c); err != nil {
		logRelayError(p.logger, "post_candidate", key, err)
	}
}

func (p *PeerToPeer) attachTrack(t ports.TrackInfo) {
	if p.deps.Renderer == nil {
		return
	}
	if err := p.deps.Renderer.Attach(t); err != nil {
		p.logger.Warnw("failed to attach remote track", "track_id", t.ID, "error", err)
		return
	}
	p.mu.Lock()
	p.tracks = append(p.tracks, t.ID)
	p.mu.Unlock()
}

// OfferPushed hands an offer delivered over the messaging channel to the
// answerer. It is ignored once a remote description is set.
func (p *PeerToPeer) OfferPushed(sdp string) {
	if p.role.IsOfferer() {
		return
	}
	p.mu.Lock()
	running, offers, pc := p.running, p.offers, p.pc
	p.mu.Unlock()
	if !running || pc == nil || pc.HasRemoteDescription() {
		return
	}
	select {
	case offers <- sdp:
	default:
	}
}

// Stop cancels the signaling loops before closing the connection and
// releasing capture. It is safe to call more than once.
func (p *PeerToPeer) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, pc, device, tracks := p.cancel, p.pc, p.device, p.tracks
	p.pc, p.device, p.tracks = nil, nil, nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	releaseCapture(p.deps, device, p.logger)
	if p.deps.Renderer != nil {
		for _, id := range tracks {
			p.deps.Renderer.Detach(id)
		}
	}

	p.logger.Infow("p2p stopped")
	return pc.Close()
}

func (p *PeerToPeer) SetMicMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	pc := p.pc
	p.mu.Unlock()
	if pc != nil {
		pc.SetMicMuted(muted)
	}
}

// QualityBars is zero: peer-to-peer quality is derived from traffic only.
func (p *PeerToPeer) QualityBars() int { return 0 }

func (p *PeerToPeer) Counters() domain.ByteCounters {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return domain.ByteCounters{}
	}
	return pc.Counters()
}
