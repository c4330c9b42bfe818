package render

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"kiosklink/internal/core/ports"
)

var ErrSurfaceNotReady = errors.New("render surface not ready")

// Host is the render surface of one kiosk agent. It is owned by the agent
// and handed to providers; tracks attached by one provider are detached by
// that provider on stop.
type Host struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	ready    bool
	tracks   map[string]ports.TrackInfo
	onChange func([]ports.TrackInfo)
}

var _ ports.Renderer = (*Host)(nil)

func NewHost(logger *zap.SugaredLogger) *Host {
	return &Host{logger: logger, tracks: make(map[string]ports.TrackInfo)}
}

// SetReady marks the surface as able to take tracks. Tracks stay attached
// when the surface becomes unready.
func (h *Host) SetReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

func (h *Host) Attach(track ports.TrackInfo) error {
	h.mu.Lock()
	if !h.ready {
		h.mu.Unlock()
		return ErrSurfaceNotReady
	}
	h.tracks[track.ID] = track
	fn, tracks := h.onChange, h.snapshotLocked()
	h.mu.Unlock()

	h.logger.Infow("track attached", "track_id", track.ID, "kind", track.Kind)
	if fn != nil {
		fn(tracks)
	}
	return nil
}

func (h *Host) Detach(trackID string) {
	h.mu.Lock()
	if _, ok := h.tracks[trackID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.tracks, trackID)
	fn, tracks := h.onChange, h.snapshotLocked()
	h.mu.Unlock()

	h.logger.Infow("track detached", "track_id", trackID)
	if fn != nil {
		fn(tracks)
	}
}

func (h *Host) Tracks() []ports.TrackInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// OnChange is called with the attached tracks after every change.
func (h *Host) OnChange(fn func([]ports.TrackInfo)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

func (h *Host) snapshotLocked() []ports.TrackInfo {
	out := make([]ports.TrackInfo, 0, len(h.tracks))
	for _, t := range h.tracks {
		out = append(out, t)
	}
	return out
}
