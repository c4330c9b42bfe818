package domain

import "fmt"

type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

func (t ThermalState) String() string {
	switch t {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PowerState describes the host power source. BatteryLevel is in [0,1];
// a negative value means the level is unknown (mains powered or no sensor).
type PowerState struct {
	LowPowerMode bool
	BatteryLevel float64
}

type CaptureProfile struct {
	Width  int
	Height int
	FPS    int
	Paused bool
}

var ProfilePaused = CaptureProfile{Paused: true}

func (p CaptureProfile) String() string {
	if p.Paused {
		return "paused"
	}
	return fmt.Sprintf("%dx%d@%d", p.Width, p.Height, p.FPS)
}

type PixelFormat string

const (
	PixelFormatNV12  PixelFormat = "nv12"
	PixelFormatYUYV  PixelFormat = "yuyv"
	PixelFormatMJPEG PixelFormat = "mjpeg"
)

// CaptureFormat is one native mode advertised by a capture device.
type CaptureFormat struct {
	ID          string      `yaml:"id"`
	Width       int         `yaml:"width"`
	Height      int         `yaml:"height"`
	PixelFormat PixelFormat `yaml:"pixel_format"`
	MinFPS      int         `yaml:"min_fps"`
	MaxFPS      int         `yaml:"max_fps"`
}

func (f CaptureFormat) Area() int {
	return f.Width * f.Height
}

// CaptureConfig is what actually runs on the device.
type CaptureConfig struct {
	Format CaptureFormat
	FPS    int
}
