package providers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

// Deps are the collaborators shared by every provider. Capture, Binder and
// Renderer are optional; Rooms is required for the SFU provider only.
type Deps struct {
	Relay    ports.SignalingRelay
	Tokens   ports.TokenIssuer
	Peers    ports.PeerFactory
	Rooms    ports.RoomConnector
	Capture  ports.CaptureSource
	Binder   ports.CaptureBinder
	Renderer ports.Renderer
}

type Settings struct {
	P2P P2PSettings
	SFU SFUSettings
}

// Factory builds a fresh provider instance for every attempt.
type Factory struct {
	settings Settings
	deps     Deps
	logger   *zap.SugaredLogger
}

var _ ports.ProviderFactory = (*Factory)(nil)

func NewFactory(settings Settings, deps Deps, logger *zap.SugaredLogger) *Factory {
	return &Factory{settings: settings, deps: deps, logger: logger}
}

func (f *Factory) New(id domain.ProviderID, opts ports.ProviderOptions) (ports.Provider, error) {
	var events ports.EventPublisher = nopEvents{}
	if opts.Events != nil {
		events = attemptEvents{next: opts.Events, attempt: opts.Attempt}
	}

	switch id {
	case domain.ProviderP2P:
		if f.deps.Relay == nil || f.deps.Peers == nil {
			return nil, fmt.Errorf("%w: p2p needs a relay and a peer factory", domain.ErrProviderStart)
		}
		return NewPeerToPeer(f.settings.P2P, f.deps, opts.Role, opts.Policy, events, f.logger), nil
	case domain.ProviderSFU:
		if f.deps.Tokens == nil || f.deps.Rooms == nil {
			return nil, fmt.Errorf("%w: sfu needs a token issuer and a room connector", domain.ErrProviderStart)
		}
		return NewSFURelay(f.settings.SFU, f.deps, opts.Role, events, f.logger), nil
	case domain.ProviderStub:
		return NewStub(f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, id)
	}
}

type nopEvents struct{}

func (nopEvents) Publish(domain.Event) {}

// attemptEvents stamps events with the attempt the provider was built for.
type attemptEvents struct {
	next    ports.EventPublisher
	attempt uint64
}

func (a attemptEvents) Publish(ev domain.Event) {
	a.next.Publish(domain.WithAttempt(ev, a.attempt))
}

// openCapture opens local capture into sink and hands the device to the
// binder. No capture source means no local media.
func openCapture(ctx context.Context, deps Deps, sink ports.MediaSink) (ports.CaptureDevice, error) {
	if deps.Capture == nil {
		return nil, nil
	}
	device, err := deps.Capture.Open(ctx, sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderStart, err)
	}
	if deps.Binder != nil {
		deps.Binder.Attach(device)
	}
	return device, nil
}

func releaseCapture(deps Deps, device ports.CaptureDevice, logger *zap.SugaredLogger) {
	if device == nil {
		return
	}
	if deps.Binder != nil {
		deps.Binder.Detach()
	}
	if err := device.Close(); err != nil {
		logger.Debugw("failed to close capture device", "error", err)
	}
}
