package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// keyframeRequestEvery is how many non-keyframe video packets pass before
// another picture loss indication is sent.
const keyframeRequestEvery = 300

// KeyframeDetector recognizes the start of a decodable video frame.
type KeyframeDetector struct {
	mime string
	vp8  codecs.VP8Packet
}

func NewKeyframeDetector(mimeType string) *KeyframeDetector {
	return &KeyframeDetector{mime: strings.ToLower(mimeType)}
}

// Keyframe reports whether packet starts a keyframe.
func (d *KeyframeDetector) Keyframe(packet *rtp.Packet) bool {
	if len(packet.Payload) == 0 {
		return false
	}

	switch d.mime {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return d.vp8Keyframe(packet.Payload)
	case strings.ToLower(webrtc.MimeTypeH264):
		return h264Keyframe(packet.Payload)
	default:
		// Unknown codecs count any payload as decodable.
		return true
	}
}

func (d *KeyframeDetector) vp8Keyframe(payload []byte) bool {
	frame, err := d.vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	// first partition of a frame with the inverse key frame flag clear
	return d.vp8.S == 1 && d.vp8.PID == 0 && frame[0]&0x01 == 0
}

func h264Keyframe(payload []byte) bool {
	const (
		naluIDR  = 5
		naluSPS  = 7
		naluSTAP = 24
		naluFUA  = 28
	)

	switch nal := payload[0] & 0x1F; nal {
	case naluIDR, naluSPS:
		return true
	case naluSTAP:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				break
			}
			if t := payload[i] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			i += size
		}
	case naluFUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == naluIDR
	}
	return false
}
