package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

// Config is shared by every connection a Factory creates.
type Config struct {
	ICEServers []domain.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory creates pion peer connections with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
type Factory struct {
	config Config
	logger *zap.SugaredLogger
}

var _ ports.PeerFactory = (*Factory)(nil)

func NewFactory(config Config, logger *zap.SugaredLogger) *Factory {
	return &Factory{config: config, logger: logger}
}

// ICEServers returns the servers used when a connection brings none.
func (f *Factory) ICEServers() []domain.ICEServer { return f.config.ICEServers }

// NewAPI builds a pion API for this factory's settings.
func (f *Factory) NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// Configuration converts ICE settings into a pion configuration.
func Configuration(servers []domain.ICEServer, policy domain.ICEPolicy) webrtc.Configuration {
	config := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		config.ICEServers = append(config.ICEServers, server)
	}
	if policy == domain.ICEPolicyRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return config
}

func (f *Factory) NewPeer(cfg ports.PeerConfig) (ports.PeerConnection, error) {
	api, err := f.NewAPI()
	if err != nil {
		return nil, err
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = f.config.ICEServers
	}
	pc, err := api.NewPeerConnection(Configuration(servers, cfg.Policy))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		cfg:      cfg,
		counters: &Counters{},
		logger:   f.logger,
	}

	if cfg.Media {
		p.local, err = NewLocalMedia("kiosklink", p.counters)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create local tracks: %w", err)
		}
		if cfg.Transceivers {
			if err := p.addTracks(); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}

	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(p.handleConnectionState)
	return p, nil
}

// Peer adapts a pion PeerConnection. Local tracks of an answering peer are
// added once the remote offer is applied so the remote layout is reused.
type Peer struct {
	pc       *webrtc.PeerConnection
	cfg      ports.PeerConfig
	local    *LocalMedia
	counters *Counters
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	tracksAdded bool
	onTrack     func(ports.TrackInfo)
	onState     func(ports.PeerState)
	onKeyframe  func()
}

var _ ports.PeerConnection = (*Peer)(nil)

func (p *Peer) addTracks() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracksAdded || p.local == nil {
		return nil
	}
	for _, track := range p.local.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go DrainRTCP(sender)
	}
	p.tracksAdded = true
	return nil
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	p.mu.Lock()
	onTrack, onKeyframe := p.onTrack, p.onKeyframe
	p.mu.Unlock()

	if onTrack != nil {
		onTrack(ports.TrackInfo{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()})
	}

	go func() {
		if err := ReadRemoteTrack(track, p.counters, p.pc, onKeyframe); err != nil {
			p.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
		}
	}()
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Debugw("peer connection state changed", "connection_state", state.String())

	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(convertState(state))
	}
}

func convertState(state webrtc.PeerConnectionState) ports.PeerState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ports.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return ports.PeerClosed
	default:
		return ports.PeerNew
	}
}

func (p *Peer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (p *Peer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPTypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}
}

func (p *Peer) SetLocalDescription(desc domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *Peer) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	if p.cfg.Media && desc.Type == domain.SDPTypeOffer {
		return p.addTracks()
	}
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// OnICECandidate is called for every gathered candidate; the end of
// gathering is not reported.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *Peer) OnStateChange(fn func(ports.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(ports.TrackInfo)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnRemoteVideo(fn func()) {
	p.mu.Lock()
	p.onKeyframe = fn
	p.mu.Unlock()
}

func (p *Peer) CreateDataChannel(label string) (ports.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %s: %w", label, err)
	}
	return &DataChannel{dc: dc}, nil
}

func (p *Peer) OnDataChannel(fn func(ports.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&DataChannel{dc: dc})
	})
}

// SelectedPair returns the nominated ICE candidate pair once connected.
func (p *Peer) SelectedPair() (local, remote domain.CandidateInfo, ok bool) {
	sctp := p.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return local, remote, false
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil || pair.Remote == nil {
		return local, remote, false
	}
	local = domain.CandidateInfo{Type: pair.Local.Typ.String(), Protocol: pair.Local.Protocol.String()}
	remote = domain.CandidateInfo{Type: pair.Remote.Typ.String(), Protocol: pair.Remote.Protocol.String()}
	return local, remote, true
}

func (p *Peer) Counters() domain.ByteCounters { return p.counters.Snapshot() }

func (p *Peer) SetMicMuted(muted bool) {
	if p.local != nil {
		p.local.SetMicMuted(muted)
	}
}

func (p *Peer) WriteAudio(s ports.MediaSample) error {
	if p.local == nil {
		return nil
	}
	return p.local.WriteAudio(s)
}

func (p *Peer) WriteVideo(s ports.MediaSample) error {
	if p.local == nil {
		return nil
	}
	return p.local.WriteVideo(s)
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

// DataChannel adapts a pion data channel. Messages are sent as text.
type DataChannel struct {
	dc *webrtc.DataChannel
}

var _ ports.DataChannel = (*DataChannel)(nil)

func (d *DataChannel) Label() string { return d.dc.Label() }

func (d *DataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *DataChannel) Send(data []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrChannelClosed
	}
	return d.dc.SendText(string(data))
}

func (d *DataChannel) Close() error { return d.dc.Close() }
