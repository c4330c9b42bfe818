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
	"kiosklink/pkg/retry"
	"kiosklink/pkg/utils"
)

type SFUSettings struct {
	TokenTimeout     time.Duration
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	AttachStep       time.Duration
	AttachMaxDelay   time.Duration
	AttachRetries    int
}

// SFUStep is the progress of an SFU link, for diagnostics.
type SFUStep string

const (
	StepIdle            SFUStep = "idle"
	StepTokenRequested  SFUStep = "tokenRequested"
	StepTokenReceived   SFUStep = "tokenReceived"
	StepRoomConnecting  SFUStep = "roomConnecting"
	StepRoomConnected   SFUStep = "roomConnected"
	StepLocalPublishing SFUStep = "localPublishing"
	StepRemotePending   SFUStep = "remotePending"
	StepRemoteAttached  SFUStep = "remoteAttached"
	StepError           SFUStep = "error"
)

// roomBars is the floor once the room is joined.
const roomBars = 2

// SFURelay joins a room on a selective forwarding unit, publishes local
// media and subscribes to every remote publication.
type SFURelay struct {
	cfg    SFUSettings
	deps   Deps
	role   domain.Role
	events ports.EventPublisher
	logger *zap.SugaredLogger

	mu         sync.Mutex
	running    bool
	step       SFUStep
	room       ports.Room
	device     ports.CaptureDevice
	cancel     context.CancelFunc
	subscribed map[string]struct{}
	tracks     []string
	muted      bool
	wg         sync.WaitGroup
}

var _ ports.Provider = (*SFURelay)(nil)

func NewSFURelay(
	cfg SFUSettings,
	deps Deps,
	role domain.Role,
	events ports.EventPublisher,
	logger *zap.SugaredLogger,
) *SFURelay {
	return &SFURelay{
		cfg:    cfg,
		deps:   deps,
		role:   role,
		events: events,
		step:   StepIdle,
		logger: logger.With("provider", domain.ProviderSFU, "role", role),
	}
}

func (s *SFURelay) ID() domain.ProviderID { return domain.ProviderSFU }

func (s *SFURelay) setStep(step SFUStep) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
	s.logger.Debugw("sfu step", "step", step)
}

func (s *SFURelay) Step() SFUStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *SFURelay) fail(err error) error {
	s.setStep(StepError)
	return err
}

func (s *SFURelay) Start(ctx context.Context, key domain.PairingKey) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: sfu already running", domain.ErrProviderStart)
	}
	muted := s.muted
	s.mu.Unlock()

	s.setStep(StepTokenRequested)
	tokenCtx, cancelToken := context.WithTimeout(ctx, s.cfg.TokenTimeout)
	token, err := s.deps.Tokens.RequestToken(tokenCtx, domain.ProviderSFU, key, s.role)
	cancelToken()
	if err != nil {
		if errors.Is(err, domain.ErrTokenFetch) {
			return s.fail(err)
		}
		return s.fail(fmt.Errorf("%w: %w", domain.ErrTokenFetch, err))
	}
	s.setStep(StepTokenReceived)

	s.setStep(StepRoomConnecting)
	identity := utils.ParticipantIdentity(string(s.role))
	connectCtx, cancelConnect := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	room, err := s.deps.Rooms.Connect(connectCtx, token, identity)
	cancelConnect()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.fail(fmt.Errorf("%w: %w", domain.ErrConnectTimeout, err))
		}
		return s.fail(fmt.Errorf("%w: %w", domain.ErrProviderStart, err))
	}
	s.setStep(StepRoomConnected)
	room.SetMicMuted(muted)

	device, err := openCapture(ctx, s.deps, room)
	if err != nil {
		room.Close()
		return s.fail(err)
	}

	s.setStep(StepLocalPublishing)
	if err := room.Publish(ctx); err != nil {
		releaseCapture(s.deps, device, s.logger)
		room.Close()
		return s.fail(fmt.Errorf("%w: publish: %w", domain.ErrProviderStart, err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running = true
	s.room = room
	s.device = device
	s.cancel = cancel
	s.subscribed = make(map[string]struct{})
	s.tracks = nil
	s.mu.Unlock()
	s.setStep(StepRemotePending)

	room.OnRemoteVideo(func() {
		s.events.Publish(domain.RemoteVideoObserved{PairingKey: key, Provider: domain.ProviderSFU})
	})
	room.OnDisconnected(func(err error) {
		if runCtx.Err() != nil {
			return
		}
		s.logger.Warnw("sfu room disconnected", "pairing_key", key, "error", err)
		s.events.Publish(domain.ProviderLost{PairingKey: key, Provider: domain.ProviderSFU, Err: err})
	})
	room.OnPublication(func(pub ports.RemotePublication) {
		s.subscribe(runCtx, room, pub)
	})
	for _, pub := range room.Publications() {
		s.subscribe(runCtx, room, pub)
	}

	s.logger.Infow("sfu room joined", "pairing_key", key, "identity", identity)
	return nil
}

// subscribe runs each subscription on its own bounded goroutine so one stuck
// publication cannot block the others.
func (s *SFURelay) subscribe(ctx context.Context, room ports.Room, pub ports.RemotePublication) {
	s.mu.Lock()
	if !s.running || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.subscribed[pub.SID]; ok {
		s.mu.Unlock()
		return
	}
	s.subscribed[pub.SID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
		track, err := room.Subscribe(subCtx, pub)
		cancel()
		if err != nil {
			s.logger.Warnw("subscription failed",
				"publication", pub.SID,
				"participant", pub.Participant,
				"error", err,
			)
			s.mu.Lock()
			delete(s.subscribed, pub.SID)
			s.mu.Unlock()
			return
		}

		if err := s.attach(ctx, track); err != nil {
			s.logger.Warnw("failed to attach remote track", "track_id", track.ID, "error", err)
			return
		}
		s.mu.Lock()
		s.tracks = append(s.tracks, track.ID)
		s.mu.Unlock()
		s.setStep(StepRemoteAttached)
	}()
}

// attach retries with linear backoff while the render surface is not ready.
func (s *SFURelay) attach(ctx context.Context, track ports.TrackInfo) error {
	if s.deps.Renderer == nil {
		return nil
	}
	return retry.Retry(ctx, retry.Config{
		MaxRetries: s.cfg.AttachRetries,
		Backoff:    retry.Linear{Step: s.cfg.AttachStep, Max: s.cfg.AttachMaxDelay},
	}, func(attempt int) error {
		return s.deps.Renderer.Attach(track)
	})
}

func (s *SFURelay) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, room, device, tracks := s.cancel, s.room, s.device, s.tracks
	s.room, s.device, s.tracks = nil, nil, nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	releaseCapture(s.deps, device, s.logger)
	if s.deps.Renderer != nil {
		for _, id := range tracks {
			s.deps.Renderer.Detach(id)
		}
	}
	s.setStep(StepIdle)
	s.logger.Infow("sfu stopped")
	return room.Close()
}

func (s *SFURelay) SetMicMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	room := s.room
	s.mu.Unlock()
	if room != nil {
		room.SetMicMuted(muted)
	}
}

// QualityBars is 2 while the room is joined.
func (s *SFURelay) QualityBars() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return roomBars
}

func (s *SFURelay) Counters() domain.ByteCounters {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return domain.ByteCounters{}
	}
	return room.Counters()
}
