package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/shirou/gopsutil/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

var thresholds = ThermalThresholds{FairCelsius: 60, SeriousCelsius: 75, CriticalCelsius: 90}

func TestThermalThresholds_Classify(t *testing.T) {
	assert.Equal(t, domain.ThermalNominal, thresholds.Classify(45))
	assert.Equal(t, domain.ThermalFair, thresholds.Classify(60))
	assert.Equal(t, domain.ThermalSerious, thresholds.Classify(80))
	assert.Equal(t, domain.ThermalCritical, thresholds.Classify(95))
}

func TestHostSensors_ThermalUsesHottestSensor(t *testing.T) {
	s := NewHostSensors(thresholds, zap.NewNop().Sugar())
	s.temperatures = func(ctx context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "acpitz", Temperature: 50},
			{SensorKey: "coretemp_package", Temperature: 78},
		}, errors.New("some sensors unreadable")
	}

	state, err := s.Thermal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ThermalSerious, state)
}

func TestHostSensors_NoSensorsIsNominal(t *testing.T) {
	s := NewHostSensors(thresholds, zap.NewNop().Sugar())
	s.temperatures = func(ctx context.Context) ([]host.TemperatureStat, error) {
		return nil, errors.New("no sensors")
	}

	state, err := s.Thermal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ThermalNominal, state)
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestHostSensors_Power(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "supply", "AC", "type"), "Mains\n")
	writeFile(t, filepath.Join(dir, "supply", "BAT0", "type"), "Battery\n")
	writeFile(t, filepath.Join(dir, "supply", "BAT0", "capacity"), "15\n")
	writeFile(t, filepath.Join(dir, "supply", "BAT0", "status"), "Discharging\n")
	writeFile(t, filepath.Join(dir, "profile"), "low-power\n")

	s := NewHostSensors(thresholds, zap.NewNop().Sugar())
	s.powerSupplyDir = filepath.Join(dir, "supply")
	s.profileFile = filepath.Join(dir, "profile")

	state, err := s.Power(context.Background())
	require.NoError(t, err)
	assert.True(t, state.LowPowerMode)
	assert.InDelta(t, 0.15, state.BatteryLevel, 1e-9)

	writeFile(t, filepath.Join(dir, "supply", "BAT0", "status"), "Charging\n")
	state, err = s.Power(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.0, state.BatteryLevel)
}

func TestHostSensors_PowerWithoutSupplies(t *testing.T) {
	s := NewHostSensors(thresholds, zap.NewNop().Sugar())
	s.powerSupplyDir = filepath.Join(t.TempDir(), "missing")
	s.profileFile = filepath.Join(t.TempDir(), "missing")

	state, err := s.Power(context.Background())
	require.NoError(t, err)
	assert.False(t, state.LowPowerMode)
	assert.Equal(t, -1.0, state.BatteryLevel)
}

type sinkRecorder struct {
	mu    sync.Mutex
	video int
	audio int
}

func (s *sinkRecorder) WriteAudio(ports.MediaSample) error {
	s.mu.Lock()
	s.audio++
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) WriteVideo(ports.MediaSample) error {
	s.mu.Lock()
	s.video++
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) videoSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// writeIVF writes n single-packet VP8 keyframes.
func writeIVF(t *testing.T, path string, n int) {
	w, err := ivfwriter.New(path)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 3000),
			},
			// VP8 payload descriptor with S=1, then a frame byte
			Payload: []byte{0x10, 0x00, 0x00, 0x00, 0x9d},
		}
		require.NoError(t, w.WriteRTP(pkt))
	}
	require.NoError(t, w.Close())
}

var formats = []domain.CaptureFormat{{ID: "720p", Width: 1280, Height: 720, PixelFormat: domain.PixelFormatNV12, MinFPS: 5, MaxFPS: 30}}

func TestFileSource_OpenRequiresFormats(t *testing.T) {
	s := &FileSource{Logger: zap.NewNop().Sugar()}
	_, err := s.Open(context.Background(), &sinkRecorder{})
	assert.ErrorIs(t, err, domain.ErrNoCaptureDevice)

	s = &FileSource{Formats: formats, VideoFile: "/does/not/exist.ivf", Logger: zap.NewNop().Sugar()}
	_, err = s.Open(context.Background(), &sinkRecorder{})
	assert.ErrorIs(t, err, domain.ErrNoCaptureDevice)
}

func TestFileDevice_StreamsBetweenApplyAndPause(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camera.ivf")
	writeIVF(t, path, 50)

	sink := &sinkRecorder{}
	s := &FileSource{VideoFile: path, Formats: formats, Logger: zap.NewNop().Sugar()}
	device, err := s.Open(context.Background(), sink)
	require.NoError(t, err)
	defer device.Close()

	assert.Equal(t, formats, device.Formats())
	assert.Error(t, device.Apply(domain.CaptureConfig{Format: formats[0]}))

	require.NoError(t, device.Apply(domain.CaptureConfig{Format: formats[0], FPS: 100}))
	require.Eventually(t, func() bool { return sink.videoSamples() >= 3 }, 2*time.Second, 5*time.Millisecond)

	fd := device.(*FileDevice)
	active, ok := fd.Active()
	require.True(t, ok)
	assert.Equal(t, 100, active.FPS)

	require.NoError(t, device.Pause())
	_, ok = fd.Active()
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	paused := sink.videoSamples()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, sink.videoSamples())

	require.NoError(t, device.Close())
	require.NoError(t, device.Close())
	assert.Error(t, device.Apply(domain.CaptureConfig{Format: formats[0], FPS: 30}))
}
