package webrtc

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

const mtu = 1500

// Counters accumulates transport byte counts for the health monitor.
type Counters struct {
	audioIn  atomic.Uint64
	audioOut atomic.Uint64
	videoIn  atomic.Uint64
	videoOut atomic.Uint64
}

func (c *Counters) Snapshot() domain.ByteCounters {
	return domain.ByteCounters{
		AudioIn:  c.audioIn.Load(),
		AudioOut: c.audioOut.Load(),
		VideoIn:  c.videoIn.Load(),
		VideoOut: c.videoOut.Load(),
	}
}

// LocalMedia holds the locally published audio and video tracks. Capture
// devices write encoded samples into it through ports.MediaSink.
type LocalMedia struct {
	audio    *webrtc.TrackLocalStaticSample
	video    *webrtc.TrackLocalStaticSample
	counters *Counters
	muted    atomic.Bool
}

var _ ports.MediaSink = (*LocalMedia)(nil)

func NewLocalMedia(streamID string, counters *Counters) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return &LocalMedia{audio: audio, video: video, counters: counters}, nil
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.audio, m.video}
}

// WriteAudio drops samples while the microphone is muted.
func (m *LocalMedia) WriteAudio(s ports.MediaSample) error {
	if m.muted.Load() {
		return nil
	}
	if err := m.audio.WriteSample(media.Sample{Data: s.Data, Duration: s.Duration}); err != nil {
		return err
	}
	m.counters.audioOut.Add(uint64(len(s.Data)))
	return nil
}

func (m *LocalMedia) WriteVideo(s ports.MediaSample) error {
	if err := m.video.WriteSample(media.Sample{Data: s.Data, Duration: s.Duration}); err != nil {
		return err
	}
	m.counters.videoOut.Add(uint64(len(s.Data)))
	return nil
}

func (m *LocalMedia) SetMicMuted(muted bool) { m.muted.Store(muted) }

// DrainRTCP reads RTCP for a sender so the interceptors see NACKs and
// receiver reports. It returns when the sender is stopped.
func DrainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, mtu)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// RTCPWriter is implemented by *webrtc.PeerConnection.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// ReadRemoteTrack counts inbound bytes of track until it ends. For video,
// a picture loss indication is sent until the first keyframe arrives and
// onKeyframe is called once for it.
func ReadRemoteTrack(track *webrtc.TrackRemote, counters *Counters, rtcpWriter RTCPWriter, onKeyframe func()) error {
	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
	detector := NewKeyframeDetector(track.Codec().MimeType)
	if isVideo && rtcpWriter != nil {
		requestKeyframe(rtcpWriter, track.SSRC())
	}

	buf := make([]byte, mtu)
	pkt := &rtp.Packet{}
	var packets uint32
	seen := false

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if !isVideo {
			counters.audioIn.Add(uint64(n))
			continue
		}
		counters.videoIn.Add(uint64(n))

		if seen {
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if detector.Keyframe(pkt) {
			seen = true
			if onKeyframe != nil {
				onKeyframe()
			}
			continue
		}
		packets++
		if rtcpWriter != nil && packets%keyframeRequestEvery == 0 {
			requestKeyframe(rtcpWriter, track.SSRC())
		}
	}
}

func requestKeyframe(w RTCPWriter, ssrc webrtc.SSRC) {
	_ = w.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}
