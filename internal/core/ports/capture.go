package ports

import (
	"context"

	"kiosklink/internal/core/domain"
)

type CaptureDevice interface {
	Formats() []domain.CaptureFormat
	// Apply (re)starts capture with the given configuration.
	Apply(cfg domain.CaptureConfig) error
	Pause() error
	Close() error
}

// CaptureSource opens the local camera and microphone, streaming into sink.
type CaptureSource interface {
	Open(ctx context.Context, sink MediaSink) (CaptureDevice, error)
}

type SensorSource interface {
	Thermal(ctx context.Context) (domain.ThermalState, error)
	Power(ctx context.Context) (domain.PowerState, error)
}
