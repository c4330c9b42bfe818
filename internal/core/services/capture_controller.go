package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

// Tier is a capture quality step. Degrading moves one step toward paused.
type Tier int

const (
	TierPaused Tier = iota
	TierReduced
	TierMedium
	TierFull
)

var tierProfiles = map[Tier]domain.CaptureProfile{
	TierFull:    {Width: 1280, Height: 720, FPS: 24},
	TierMedium:  {Width: 960, Height: 540, FPS: 24},
	TierReduced: {Width: 640, Height: 360, FPS: 15},
	TierPaused:  domain.ProfilePaused,
}

func (t Tier) Profile() domain.CaptureProfile {
	return tierProfiles[t]
}

// TierFor maps a thermal state to its base tier.
func TierFor(thermal domain.ThermalState) Tier {
	switch thermal {
	case domain.ThermalCritical:
		return TierPaused
	case domain.ThermalSerious:
		return TierReduced
	case domain.ThermalFair:
		return TierMedium
	default:
		return TierFull
	}
}

// Degrade lowers t by exactly one step when the host runs in low power
// mode or its battery is below lowBattery.
func Degrade(t Tier, power domain.PowerState, lowBattery float64) Tier {
	low := power.LowPowerMode || (power.BatteryLevel >= 0 && power.BatteryLevel < lowBattery)
	if !low || t == TierPaused {
		return t
	}
	return t - 1
}

const (
	nonNativePixelPenalty = 5000
	fpsOutOfRangePenalty  = 1000
)

// BestFormat picks the format closest in area to the profile, preferring
// NV12 and formats whose frame rate range covers the requested fps.
func BestFormat(formats []domain.CaptureFormat, profile domain.CaptureProfile) (domain.CaptureFormat, bool) {
	if len(formats) == 0 || profile.Paused {
		return domain.CaptureFormat{}, false
	}

	target := profile.Width * profile.Height
	best, bestScore := formats[0], -1
	for _, f := range formats {
		score := f.Area() - target
		if score < 0 {
			score = -score
		}
		if f.PixelFormat != domain.PixelFormatNV12 {
			score += nonNativePixelPenalty
		}
		if profile.FPS < f.MinFPS || profile.FPS > f.MaxFPS {
			score += fpsOutOfRangePenalty
		}
		if bestScore < 0 || score < bestScore {
			best, bestScore = f, score
		}
	}
	return best, true
}

// ClampFPS clamps fps into the format's supported range.
func ClampFPS(fps int, f domain.CaptureFormat) int {
	if fps < f.MinFPS {
		return f.MinFPS
	}
	if fps > f.MaxFPS {
		return f.MaxFPS
	}
	return fps
}

type CaptureSettings struct {
	Debounce            time.Duration
	LowBatteryThreshold float64
	SensorInterval      time.Duration
}

// CaptureController turns thermal and power readings into a capture
// profile and applies it to whichever device is currently attached.
type CaptureController struct {
	cfg     CaptureSettings
	sensors ports.SensorSource
	events  ports.EventPublisher
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	device  ports.CaptureDevice
	active  *domain.CaptureConfig
	target  domain.CaptureProfile
	applied domain.CaptureProfile
	pending *time.Timer
	gen     uint64
}

func NewCaptureController(
	cfg CaptureSettings,
	sensors ports.SensorSource,
	events ports.EventPublisher,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *CaptureController {
	return &CaptureController{
		cfg:     cfg,
		sensors: sensors,
		events:  events,
		metrics: metrics,
		logger:  logger,
		target:  TierFull.Profile(),
		applied: TierFull.Profile(),
	}
}

// Run polls the sensors and re-evaluates the profile until ctx is done.
func (c *CaptureController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SensorInterval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.pending != nil {
				c.pending.Stop()
			}
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *CaptureController) poll(ctx context.Context) {
	thermal, err := c.sensors.Thermal(ctx)
	if err != nil {
		c.logger.Debugw("thermal state unavailable", "error", err)
		thermal = domain.ThermalNominal
	}
	power, err := c.sensors.Power(ctx)
	if err != nil {
		c.logger.Debugw("power state unavailable", "error", err)
		power = domain.PowerState{BatteryLevel: -1}
	}
	c.Evaluate(thermal, power)
}

// Evaluate computes the profile for the given readings and schedules it
// after the debounce delay. A reading that restores the current target
// cancels any pending change.
func (c *CaptureController) Evaluate(thermal domain.ThermalState, power domain.PowerState) domain.CaptureProfile {
	profile := Degrade(TierFor(thermal), power, c.cfg.LowBatteryThreshold).Profile()

	c.mu.Lock()
	defer c.mu.Unlock()

	if profile == c.target {
		return profile
	}
	c.target = profile
	c.gen++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}

	if profile == c.applied {
		return profile
	}

	c.logger.Infow("capture profile change scheduled",
		"thermal", thermal.String(),
		"low_power", power.LowPowerMode,
		"battery", power.BatteryLevel,
		"profile", profile.String(),
	)

	if c.cfg.Debounce <= 0 {
		c.applyLocked(profile)
		return profile
	}

	gen := c.gen
	c.pending = time.AfterFunc(c.cfg.Debounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.pending = nil
		c.applyLocked(c.target)
	})
	return profile
}

// Attach hands the controller the capture device owned by the active
// provider and applies the current profile to it right away.
func (c *CaptureController) Attach(device ports.CaptureDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.device = device
	c.active = nil
	c.applyLocked(c.target)
}

// Detach forgets the device. The controller never closes it.
func (c *CaptureController) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.device = nil
	c.active = nil
}

// Profile returns the profile most recently applied.
func (c *CaptureController) Profile() domain.CaptureProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

func (c *CaptureController) applyLocked(profile domain.CaptureProfile) {
	changed := profile != c.applied
	c.applied = profile

	if changed {
		c.events.Publish(domain.CaptureProfileChanged{Profile: profile})
	}
	if c.device == nil {
		return
	}

	if profile.Paused {
		if c.active == nil {
			return
		}
		if err := c.device.Pause(); err != nil {
			c.logger.Warnw("failed to pause capture", "error", err)
			return
		}
		c.active = nil
		return
	}

	format, ok := BestFormat(c.device.Formats(), profile)
	if !ok {
		c.logger.Warnw("capture device advertises no formats", "profile", profile.String())
		return
	}
	next := domain.CaptureConfig{Format: format, FPS: ClampFPS(profile.FPS, format)}
	if c.active != nil && *c.active == next {
		return
	}

	if err := c.device.Apply(next); err != nil {
		c.logger.Warnw("failed to apply capture configuration",
			"format", format.ID,
			"fps", next.FPS,
			"error", err,
		)
		return
	}
	c.active = &next
	c.metrics.CaptureRestart(profile)
	c.logger.Infow("capture restarted",
		"format", format.ID,
		"width", format.Width,
		"height", format.Height,
		"fps", next.FPS,
	)
}
