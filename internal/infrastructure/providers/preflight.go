package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/pkg/utils"
)

const (
	preflightChannel = "pf"
	pfPing           = "pf-ping"
	pfPong           = "pf-pong"
	cleanupTimeout   = 2 * time.Second
)

type TrialSettings struct {
	AnswerPoll    time.Duration
	CandidatePoll time.Duration
	Pings         int
	// PingTimeout bounds the whole ping phase; PongTimeout a single ping.
	PingTimeout time.Duration
	PongTimeout time.Duration
}

type pingMessage struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

// Trials runs disposable data-channel connections through the relay to
// measure a path before pairing.
type Trials struct {
	cfg    TrialSettings
	relay  ports.SignalingRelay
	tokens ports.TokenIssuer
	peers  ports.PeerFactory
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ ports.PreflightTrials = (*Trials)(nil)

func NewTrials(
	cfg TrialSettings,
	relay ports.SignalingRelay,
	tokens ports.TokenIssuer,
	peers ports.PeerFactory,
	logger *zap.SugaredLogger,
) *Trials {
	return &Trials{
		cfg:    cfg,
		relay:  relay,
		tokens: tokens,
		peers:  peers,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Trials) newPeer(ctx context.Context, policy domain.ICEPolicy) (ports.PeerConnection, error) {
	var servers []domain.ICEServer
	if t.tokens != nil {
		servers, _ = t.tokens.ICEServers(ctx)
	}
	return t.peers.NewPeer(ports.PeerConfig{ICEServers: servers, Policy: policy})
}

// cleanup removes the throwaway key from the relay.
func (t *Trials) cleanup(key domain.PairingKey) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := t.relay.DeleteSession(ctx, key, domain.StopPreflight); err != nil {
		logRelayError(t.logger, "delete_session", key, err)
	}
}

// trialPolicy is the ICE policy a scenario is measured with. Scenarios for
// relayed providers only count TURN paths.
func trialPolicy(sc domain.Scenario) domain.ICEPolicy {
	if sc.Provider != domain.ProviderP2P {
		return domain.ICEPolicyRelay
	}
	if sc.Policy == "" {
		return domain.ICEPolicyAll
	}
	return sc.Policy
}

// Offer measures connect time and round trips for one scenario. The trial
// fails unless every ping is answered.
func (t *Trials) Offer(ctx context.Context, requestID string, sc domain.Scenario) domain.PreflightResult {
	res := domain.PreflightResult{Scenario: sc}

	key := domain.PairingKey(utils.PreflightPairingKey(requestID, sc.ID))
	defer t.cleanup(key)

	pc, err := t.newPeer(ctx, trialPolicy(sc))
	if err != nil {
		res.Err = err
		return res
	}
	defer pc.Close()

	dc, err := pc.CreateDataChannel(preflightChannel)
	if err != nil {
		res.Err = err
		return res
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	pongs := make(chan int64, 8)
	dc.OnMessage(func(data []byte) {
		var msg pingMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == pfPong {
			select {
			case pongs <- msg.T:
			default:
			}
		}
	})

	sender := newCandidateSender()
	pc.OnICECandidate(sender.Push)

	start := t.now()
	offer, err := pc.CreateOffer(ctx)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = t.relay.PostOffer(ctx, key, offer)
	}
	if err != nil {
		res.Err = fmt.Errorf("preflight offer: %w", err)
		return res
	}

	buf := newCandidateBuffer(pc.AddICECandidate, t.logger)
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	kick := make(chan struct{}, 1)

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(3)
	go func() {
		defer wg.Done()
		sender.Run(loopCtx, t.postCandidate(key, domain.RoleCashier))
	}()
	go func() {
		defer wg.Done()
		poll(loopCtx, &cadence{steady: t.cfg.AnswerPoll}, nil, func(ctx context.Context) bool {
			answer, err := t.relay.GetAnswer(ctx, key)
			if err != nil || answer == nil {
				return false
			}
			if err := pc.SetRemoteDescription(*answer); err != nil {
				return false
			}
			buf.Ready()
			select {
			case kick <- struct{}{}:
			default:
			}
			return true
		})
	}()
	go func() {
		defer wg.Done()
		poll(loopCtx, &cadence{steady: t.cfg.CandidatePoll}, kick, func(ctx context.Context) bool {
			cs, err := t.relay.GetCandidates(ctx, key, domain.RoleCashier)
			if err == nil {
				buf.Add(cs...)
			}
			return false
		})
	}()

	select {
	case <-ctx.Done():
		res.Err = domain.ErrPreflightTimeout
		return res
	case <-opened:
	}
	res.ConnectTime = t.now().Sub(start)
	stopLoops()

	res.RTTs = t.ping(ctx, dc, pongs)
	if local, remote, ok := pc.SelectedPair(); ok {
		res.Local, res.Remote = local, remote
	}
	if len(res.RTTs) < t.cfg.Pings {
		res.Err = fmt.Errorf("%w: %d of %d pongs", domain.ErrPongTimeout, len(res.RTTs), t.cfg.Pings)
	}
	return res
}

func (t *Trials) postCandidate(key domain.PairingKey, self domain.Role) func(context.Context, domain.ICECandidate) {
	return func(ctx context.Context, c domain.ICECandidate) {
		if err := t.relay.PostCandidate(ctx, key, self, c); err != nil {
			logRelayError(t.logger, "post_candidate", key, err)
		}
	}
}

func (t *Trials) ping(ctx context.Context, dc ports.DataChannel, pongs <-chan int64) []time.Duration {
	phase := t.cfg.PingTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < phase {
		phase = time.Until(dl)
	}
	phaseCtx, cancel := context.WithTimeout(ctx, phase)
	defer cancel()

	var rtts []time.Duration
	for i := 0; i < t.cfg.Pings; i++ {
		sent := t.now()
		data, _ := json.Marshal(pingMessage{Type: pfPing, T: sent.UnixNano()})
		if err := dc.Send(data); err != nil {
			break
		}

		wait := time.NewTimer(t.cfg.PongTimeout)
	recv:
		for {
			select {
			case <-phaseCtx.Done():
				wait.Stop()
				return rtts
			case <-wait.C:
				break recv
			case ts := <-pongs:
				// late pongs from an earlier ping are skipped
				if ts == sent.UnixNano() {
					rtts = append(rtts, t.now().Sub(sent))
					wait.Stop()
					break recv
				}
			}
		}
	}
	return rtts
}

// Answer echoes pings for one scenario until ctx ends.
func (t *Trials) Answer(ctx context.Context, requestID string, sc domain.Scenario) error {
	key := domain.PairingKey(utils.PreflightPairingKey(requestID, sc.ID))
	pc, err := t.newPeer(ctx, trialPolicy(sc))
	if err != nil {
		return err
	}
	defer pc.Close()

	pc.OnDataChannel(func(dc ports.DataChannel) {
		if dc.Label() != preflightChannel {
			return
		}
		dc.OnMessage(func(data []byte) {
			var msg pingMessage
			if json.Unmarshal(data, &msg) != nil || msg.Type != pfPing {
				return
			}
			reply, _ := json.Marshal(pingMessage{Type: pfPong, T: msg.T})
			_ = dc.Send(reply)
		})
	})
	sender := newCandidateSender()
	pc.OnICECandidate(sender.Push)

	buf := newCandidateBuffer(pc.AddICECandidate, t.logger)
	kick := make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sender.Run(ctx, t.postCandidate(key, domain.RoleDisplay))
	}()
	go func() {
		defer wg.Done()
		poll(ctx, &cadence{steady: t.cfg.CandidatePoll}, kick, func(ctx context.Context) bool {
			cs, err := t.relay.GetCandidates(ctx, key, domain.RoleDisplay)
			if err == nil {
				buf.Add(cs...)
			}
			return false
		})
	}()

	var answerErr error
	poll(ctx, &cadence{steady: t.cfg.AnswerPoll}, nil, func(ctx context.Context) bool {
		offer, err := t.relay.GetOffer(ctx, key)
		if err != nil || offer == nil {
			return false
		}
		if err := pc.SetRemoteDescription(*offer); err != nil {
			answerErr = err
			return true
		}
		buf.Ready()
		answer, err := pc.CreateAnswer(ctx)
		if err == nil {
			err = pc.SetLocalDescription(answer)
		}
		if err == nil {
			err = t.relay.PostAnswer(ctx, key, answer)
		}
		if err != nil {
			answerErr = err
			return true
		}
		select {
		case kick <- struct{}{}:
		default:
		}
		return true
	})

	<-ctx.Done()
	wg.Wait()
	if answerErr != nil {
		return fmt.Errorf("preflight answer: %w", answerErr)
	}
	return nil
}
