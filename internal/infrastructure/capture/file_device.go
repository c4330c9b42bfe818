package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

const oggPageDuration = 20 * time.Millisecond

// FileSource stands in for a camera and microphone by looping pre-encoded
// IVF (VP8) and Ogg (Opus) files. The advertised formats come from
// configuration; the encoded files are sent unchanged whatever format is
// applied, paced at the applied frame rate.
type FileSource struct {
	VideoFile string
	AudioFile string
	Formats   []domain.CaptureFormat
	Logger    *zap.SugaredLogger
}

var _ ports.CaptureSource = (*FileSource)(nil)

func (s *FileSource) Open(ctx context.Context, sink ports.MediaSink) (ports.CaptureDevice, error) {
	if len(s.Formats) == 0 {
		return nil, domain.ErrNoCaptureDevice
	}
	for _, path := range []string{s.VideoFile, s.AudioFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsPermission(err) {
				return nil, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, path)
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrNoCaptureDevice, err)
		}
	}

	d := &FileDevice{source: s, sink: sink, logger: s.Logger}
	if s.AudioFile != "" {
		d.startAudio()
	}
	return d, nil
}

// FileDevice is one open FileSource. Audio runs for the lifetime of the
// device; video runs between Apply and Pause.
type FileDevice struct {
	source *FileSource
	sink   ports.MediaSink
	logger *zap.SugaredLogger

	mu        sync.Mutex
	active    *domain.CaptureConfig
	stopVideo context.CancelFunc
	stopAudio context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

var _ ports.CaptureDevice = (*FileDevice)(nil)

func (d *FileDevice) Formats() []domain.CaptureFormat {
	return append([]domain.CaptureFormat(nil), d.source.Formats...)
}

func (d *FileDevice) Apply(cfg domain.CaptureConfig) error {
	if cfg.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", cfg.FPS)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("capture device closed")
	}
	if d.stopVideo != nil {
		d.stopVideo()
		d.stopVideo = nil
	}
	d.active = &cfg

	if d.source.VideoFile == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.stopVideo = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx, "video", func(ctx context.Context) error {
			return d.streamVideo(ctx, cfg.FPS)
		})
	}()
	d.logger.Infow("capture applied",
		"format", cfg.Format.ID,
		"width", cfg.Format.Width,
		"height", cfg.Format.Height,
		"fps", cfg.FPS,
	)
	return nil
}

func (d *FileDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopVideo != nil {
		d.stopVideo()
		d.stopVideo = nil
	}
	d.active = nil
	return nil
}

// Active returns the configuration currently streaming, if any.
func (d *FileDevice) Active() (domain.CaptureConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return domain.CaptureConfig{}, false
	}
	return *d.active, true
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, stop := range []context.CancelFunc{d.stopVideo, d.stopAudio} {
		if stop != nil {
			stop()
		}
	}
	d.stopVideo, d.stopAudio = nil, nil
	d.active = nil
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *FileDevice) startAudio() {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopAudio = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx, "audio", d.streamAudio)
	}()
}

// loop restarts stream from the top of its file until ctx ends.
func (d *FileDevice) loop(ctx context.Context, kind string, stream func(ctx context.Context) error) {
	for ctx.Err() == nil {
		if err := stream(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warnw("capture stream failed", "kind", kind, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (d *FileDevice) streamVideo(ctx context.Context, fps int) error {
	f, err := os.Open(d.source.VideoFile)
	if err != nil {
		return err
	}
	defer f.Close()

	ivf, _, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("invalid ivf file: %w", err)
	}

	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.sink.WriteVideo(ports.MediaSample{Data: frame, Duration: interval}); err != nil {
			d.logger.Debugw("failed to write video sample", "error", err)
		}
	}
}

func (d *FileDevice) streamAudio(ctx context.Context) error {
	f, err := os.Open(d.source.AudioFile)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("invalid ogg file: %w", err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		page, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.sink.WriteAudio(ports.MediaSample{Data: page, Duration: oggPageDuration}); err != nil {
			d.logger.Debugw("failed to write audio sample", "error", err)
		}
	}
}
