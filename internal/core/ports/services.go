package ports

import (
	"context"
	"time"

	"kiosklink/internal/core/domain"
)

// Provider owns one real-time media connection. Start either succeeds or
// leaves nothing running behind it.
type Provider interface {
	ID() domain.ProviderID
	Start(ctx context.Context, key domain.PairingKey) error
	Stop(ctx context.Context) error
	SetMicMuted(muted bool)
	// QualityBars is the floor the provider vouches for regardless of traffic.
	QualityBars() int
	Counters() domain.ByteCounters
}

type ProviderOptions struct {
	Role   domain.Role
	Policy domain.ICEPolicy
	Events EventPublisher
	// Attempt is stamped on every attempt scoped event the provider emits.
	Attempt uint64
}

type ProviderFactory interface {
	New(id domain.ProviderID, opts ProviderOptions) (Provider, error)
}

type EventPublisher interface {
	Publish(ev domain.Event)
}

type MetricsRecorder interface {
	SetBars(bars int)
	SetStatus(status domain.Status)
	ProviderStart(provider domain.ProviderID, ok bool)
	Fallback(from, to domain.ProviderID)
	RelayError(op string)
	PreflightScore(target string, score int, connect time.Duration)
	CaptureRestart(profile domain.CaptureProfile)
}

// OfferListener is implemented by providers that accept an offer pushed
// over the messaging channel instead of waiting for the next poll.
type OfferListener interface {
	OfferPushed(sdp string)
}

// CaptureBinder receives the capture device owned by the active provider.
type CaptureBinder interface {
	Attach(device CaptureDevice)
	Detach()
}

// PreflightTrials runs the two sides of a disposable data-channel trial.
type PreflightTrials interface {
	// Offer runs the measuring side and always returns a result; failures
	// are reported in PreflightResult.Err.
	Offer(ctx context.Context, requestID string, sc domain.Scenario) domain.PreflightResult
	// Answer runs the echoing side until the trial deadline.
	Answer(ctx context.Context, requestID string, sc domain.Scenario) error
}

// HintSource supplies cached preflight outcomes by target.
type HintSource interface {
	Hint(target string) (domain.TargetQuality, bool)
}
