package domain

import "time"

// ByteCounters are cumulative transport byte counts. They only grow while a
// connection lives; a reset means a new connection.
type ByteCounters struct {
	AudioIn  uint64
	AudioOut uint64
	VideoIn  uint64
	VideoOut uint64
}

type HealthSnapshot struct {
	AudioInbound  bool
	AudioOutbound bool
	VideoInbound  bool
	VideoOutbound bool
	At            time.Time
}

func (h HealthSnapshot) AudioHealthy() bool {
	return h.AudioInbound && h.AudioOutbound
}

func (h HealthSnapshot) VideoHealthy() bool {
	return h.VideoInbound && h.VideoOutbound
}

// Any reports whether at least one stream is alive.
func (h HealthSnapshot) Any() bool {
	return h.AudioInbound || h.AudioOutbound || h.VideoInbound || h.VideoOutbound
}

// FlowPair is the wire shape of one media kind in a heartbeat.
type FlowPair struct {
	In  bool `json:"in"`
	Out bool `json:"out"`
}
