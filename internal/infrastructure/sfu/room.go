package sfu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	kwebrtc "kiosklink/internal/infrastructure/webrtc"
)

var (
	ErrTokenExpired = errors.New("room token expired")
	ErrRoomClosed   = errors.New("room closed")
	ErrJoinRejected = errors.New("room join rejected")
)

const defaultJoinTimeout = 10 * time.Second

type Config struct {
	// URL is used when the room token carries none.
	URL          string
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// Connector joins SFU rooms over a websocket signaling connection with one
// publisher and one subscriber transport.
type Connector struct {
	cfg     Config
	factory *kwebrtc.Factory
	dialer  *websocket.Dialer
	logger  *zap.SugaredLogger
	now     func() time.Time
}

var _ ports.RoomConnector = (*Connector)(nil)

func NewConnector(cfg Config, factory *kwebrtc.Factory, logger *zap.SugaredLogger) *Connector {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Connector{
		cfg:     cfg,
		factory: factory,
		dialer:  websocket.DefaultDialer,
		logger:  logger.With("component", "sfu"),
		now:     time.Now,
	}
}

// TokenExpiry reads the exp claim of a room token without verifying its
// signature. ok is false when the token has no expiry.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("malformed room token: %w", err)
	}
	date, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed room token expiry: %w", err)
	}
	if date == nil {
		return time.Time{}, false, nil
	}
	return date.Time, true, nil
}

func (c *Connector) Connect(ctx context.Context, token domain.RoomToken, identity string) (ports.Room, error) {
	exp, ok, err := TokenExpiry(token.Token)
	if err != nil {
		return nil, err
	}
	if ok && !exp.After(c.now()) {
		return nil, ErrTokenExpired
	}

	rawURL := token.URL
	if rawURL == "" {
		rawURL = c.cfg.URL
	}
	if rawURL == "" {
		return nil, errors.New("no sfu url configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.Token)
	conn, _, err := c.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial sfu: %w", err)
	}

	r := &Room{
		cfg:      c.cfg,
		conn:     conn,
		identity: identity,
		counters: &kwebrtc.Counters{},
		logger:   c.logger.With("identity", identity),
		answers:  make(chan webrtc.SessionDescription, 1),
		waiters:  make(map[string]chan ports.TrackInfo),
		arrived:  make(map[string]ports.TrackInfo),
		pending:  make(map[target][]webrtc.ICECandidateInit),
		done:     make(chan struct{}),
	}

	joined, err := r.join(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	servers := joined.ICEServers
	if len(servers) == 0 {
		servers = c.factory.ICEServers()
	}
	if err := r.setup(c.factory, servers); err != nil {
		r.Close()
		return nil, err
	}
	for _, p := range joined.Publications {
		r.publications = append(r.publications, p.toPort())
	}

	go r.readLoop()
	go r.pingLoop()

	r.logger.Infow("sfu room joined", "publications", len(r.publications))
	return r, nil
}

// Room is one participant's membership in an SFU room.
type Room struct {
	cfg        Config
	conn       *websocket.Conn
	identity   string
	publisher  *webrtc.PeerConnection
	subscriber *webrtc.PeerConnection
	local      *kwebrtc.LocalMedia
	counters   *kwebrtc.Counters
	logger     *zap.SugaredLogger
	answers    chan webrtc.SessionDescription

	writeMu sync.Mutex

	mu             sync.Mutex
	publications   []ports.RemotePublication
	onPublication  func(ports.RemotePublication)
	onRemoteVideo  func()
	onDisconnected func(error)
	waiters        map[string]chan ports.TrackInfo
	arrived        map[string]ports.TrackInfo
	pending        map[target][]webrtc.ICECandidateInit
	published      bool
	closed         bool

	doneOnce sync.Once
	done     chan struct{}
}

var _ ports.Room = (*Room)(nil)

// join sends the join request and reads until the server accepts it.
func (r *Room) join(ctx context.Context) (signal, error) {
	if err := r.write(signal{Type: signalJoin, Identity: r.identity}); err != nil {
		return signal{}, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultJoinTimeout)
	}
	r.conn.SetReadDeadline(deadline)
	defer r.conn.SetReadDeadline(time.Time{})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.conn.Close()
		case <-stop:
		}
	}()

	for {
		var sig signal
		if err := r.conn.ReadJSON(&sig); err != nil {
			if ctx.Err() != nil {
				return signal{}, ctx.Err()
			}
			return signal{}, fmt.Errorf("failed to join room: %w", err)
		}
		switch sig.Type {
		case signalJoined:
			return sig, nil
		case signalError:
			return signal{}, fmt.Errorf("%w: %s", ErrJoinRejected, sig.Error)
		}
	}
}

func (r *Room) setup(factory *kwebrtc.Factory, servers []domain.ICEServer) error {
	api, err := factory.NewAPI()
	if err != nil {
		return err
	}
	config := kwebrtc.Configuration(servers, domain.ICEPolicyAll)

	r.publisher, err = api.NewPeerConnection(config)
	if err != nil {
		return fmt.Errorf("failed to create publisher transport: %w", err)
	}
	r.subscriber, err = api.NewPeerConnection(config)
	if err != nil {
		return fmt.Errorf("failed to create subscriber transport: %w", err)
	}
	r.local, err = kwebrtc.NewLocalMedia(r.identity, r.counters)
	if err != nil {
		return fmt.Errorf("failed to create local tracks: %w", err)
	}

	r.trickle(r.publisher, targetPublisher)
	r.trickle(r.subscriber, targetSubscriber)
	r.publisher.OnConnectionStateChange(r.transportState(targetPublisher))
	r.subscriber.OnConnectionStateChange(r.transportState(targetSubscriber))
	r.subscriber.OnTrack(r.handleTrack)
	return nil
}

func (r *Room) trickle(pc *webrtc.PeerConnection, t target) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := r.write(signal{
			Type:   signalTrickle,
			Target: t,
			Candidate: &domain.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
		if err != nil {
			r.logger.Debugw("failed to send candidate", "target", t, "error", err)
		}
	})
}

func (r *Room) transportState(t target) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		r.logger.Debugw("sfu transport state changed", "target", t, "connection_state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			r.disconnected(fmt.Errorf("%s transport failed", t))
		}
	}
}

func (r *Room) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	info := ports.TrackInfo{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()}
	r.logger.Infow("remote track started", "track_id", info.ID, "stream_id", info.StreamID, "kind", info.Kind)

	r.mu.Lock()
	for _, sid := range []string{info.ID, info.StreamID} {
		if ch, ok := r.waiters[sid]; ok {
			select {
			case ch <- info:
			default:
			}
			delete(r.waiters, sid)
		}
		r.arrived[sid] = info
	}
	r.mu.Unlock()

	go func() {
		err := kwebrtc.ReadRemoteTrack(track, r.counters, r.subscriber, func() {
			r.mu.Lock()
			fn := r.onRemoteVideo
			r.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
		if err != nil {
			r.logger.Debugw("remote track ended", "track_id", info.ID, "error", err)
		}
	}()
}

func (r *Room) readLoop() {
	r.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		return nil
	})

	for {
		var sig signal
		if err := r.conn.ReadJSON(&sig); err != nil {
			r.disconnected(err)
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		r.handle(sig)
	}
}

func (r *Room) handle(sig signal) {
	switch sig.Type {
	case signalAnswer:
		if sig.SDP == nil || sig.Target != targetPublisher {
			return
		}
		select {
		case r.answers <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP.SDP}:
		default:
		}
	case signalOffer:
		if sig.SDP == nil {
			return
		}
		if err := r.answerSubscriber(sig.SDP.SDP); err != nil {
			r.logger.Warnw("failed to answer subscriber offer", "error", err)
		}
	case signalTrickle:
		if sig.Candidate == nil {
			return
		}
		r.addCandidate(sig.Target, webrtc.ICECandidateInit{
			Candidate:     sig.Candidate.Candidate,
			SDPMid:        sig.Candidate.SDPMid,
			SDPMLineIndex: sig.Candidate.SDPMLineIndex,
		})
	case signalPublication:
		if sig.Publication == nil || sig.Publication.Participant == r.identity {
			return
		}
		pub := sig.Publication.toPort()
		r.mu.Lock()
		r.publications = append(r.publications, pub)
		fn := r.onPublication
		r.mu.Unlock()
		if fn != nil {
			fn(pub)
		}
	case signalError:
		r.logger.Warnw("sfu error", "error", sig.Error)
	}
}

func (r *Room) transport(t target) *webrtc.PeerConnection {
	if t == targetSubscriber {
		return r.subscriber
	}
	return r.publisher
}

// addCandidate holds candidates until the transport has a remote description.
func (r *Room) addCandidate(t target, c webrtc.ICECandidateInit) {
	pc := r.transport(t)
	r.mu.Lock()
	if pc.RemoteDescription() == nil {
		r.pending[t] = append(r.pending[t], c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if err := pc.AddICECandidate(c); err != nil {
		r.logger.Debugw("failed to add candidate", "target", t, "error", err)
	}
}

func (r *Room) flushCandidates(t target) {
	r.mu.Lock()
	pending := r.pending[t]
	delete(r.pending, t)
	r.mu.Unlock()

	pc := r.transport(t)
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			r.logger.Debugw("failed to add candidate", "target", t, "error", err)
		}
	}
}

func (r *Room) answerSubscriber(sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := r.subscriber.SetRemoteDescription(offer); err != nil {
		return err
	}
	r.flushCandidates(targetSubscriber)

	answer, err := r.subscriber.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := r.subscriber.SetLocalDescription(answer); err != nil {
		return err
	}
	return r.write(signal{
		Type:   signalAnswer,
		Target: targetSubscriber,
		SDP:    &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answer.SDP},
	})
}

// Publish adds the local tracks to the publisher transport and negotiates
// it with the server.
func (r *Room) Publish(ctx context.Context) error {
	r.mu.Lock()
	if r.published {
		r.mu.Unlock()
		return nil
	}
	r.published = true
	r.mu.Unlock()

	for _, track := range r.local.Tracks() {
		sender, err := r.publisher.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go kwebrtc.DrainRTCP(sender)
	}

	offer, err := r.publisher.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create publisher offer: %w", err)
	}
	if err := r.publisher.SetLocalDescription(offer); err != nil {
		return err
	}
	err = r.write(signal{
		Type:   signalOffer,
		Target: targetPublisher,
		SDP:    &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offer.SDP},
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomClosed
	case answer := <-r.answers:
		if err := r.publisher.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("failed to apply publisher answer: %w", err)
		}
	}
	r.flushCandidates(targetPublisher)
	r.logger.Infow("local tracks published")
	return nil
}

func (r *Room) Publications() []ports.RemotePublication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.RemotePublication(nil), r.publications...)
}

func (r *Room) OnPublication(fn func(ports.RemotePublication)) {
	r.mu.Lock()
	r.onPublication = fn
	r.mu.Unlock()
}

// Subscribe asks the server to forward pub and waits for its track on the
// subscriber transport.
func (r *Room) Subscribe(ctx context.Context, pub ports.RemotePublication) (ports.TrackInfo, error) {
	ch := make(chan ports.TrackInfo, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ports.TrackInfo{}, ErrRoomClosed
	}
	if info, ok := r.arrived[pub.SID]; ok {
		r.mu.Unlock()
		return info, nil
	}
	r.waiters[pub.SID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.waiters[pub.SID] == ch {
			delete(r.waiters, pub.SID)
		}
		r.mu.Unlock()
	}()

	err := r.write(signal{
		Type:        signalSubscribe,
		Publication: &publication{SID: pub.SID, Participant: pub.Participant, Kind: pub.Kind},
	})
	if err != nil {
		return ports.TrackInfo{}, err
	}

	select {
	case info := <-ch:
		return info, nil
	case <-ctx.Done():
		return ports.TrackInfo{}, fmt.Errorf("subscription %s: %w", pub.SID, ctx.Err())
	case <-r.done:
		return ports.TrackInfo{}, ErrRoomClosed
	}
}

func (r *Room) OnRemoteVideo(fn func()) {
	r.mu.Lock()
	r.onRemoteVideo = fn
	r.mu.Unlock()
}

func (r *Room) OnDisconnected(fn func(error)) {
	r.mu.Lock()
	r.onDisconnected = fn
	r.mu.Unlock()
}

// disconnected reports the first failure of a room that was not closed
// locally.
func (r *Room) disconnected(err error) {
	r.mu.Lock()
	closed := r.closed
	fn := r.onDisconnected
	r.mu.Unlock()

	first := false
	r.doneOnce.Do(func() {
		close(r.done)
		first = true
	})
	if !first || closed {
		return
	}
	r.logger.Warnw("sfu room disconnected", "error", err)
	if fn != nil {
		fn(err)
	}
}

func (r *Room) Counters() domain.ByteCounters { return r.counters.Snapshot() }

func (r *Room) SetMicMuted(muted bool) { r.local.SetMicMuted(muted) }

func (r *Room) WriteAudio(s ports.MediaSample) error { return r.local.WriteAudio(s) }

func (r *Room) WriteVideo(s ports.MediaSample) error { return r.local.WriteVideo(s) }

func (r *Room) pingLoop() {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.writeMu.Lock()
			err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Room) write(sig signal) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	if err := r.conn.WriteJSON(sig); err != nil {
		return fmt.Errorf("failed to send %s: %w", sig.Type, err)
	}
	return nil
}

// Close leaves the room. OnDisconnected does not fire for a local close.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	_ = r.write(signal{Type: signalLeave})
	r.doneOnce.Do(func() { close(r.done) })

	var errs []error
	if r.publisher != nil {
		errs = append(errs, r.publisher.Close())
	}
	if r.subscriber != nil {
		errs = append(errs, r.subscriber.Close())
	}
	errs = append(errs, r.conn.Close())
	return errors.Join(errs...)
}
