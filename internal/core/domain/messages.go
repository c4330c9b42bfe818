package domain

type MessageType string

const (
	MessageOffer     MessageType = "rtc:offer"
	MessageStopped   MessageType = "rtc:stopped"
	MessageProvider  MessageType = "rtc:provider"
	MessageHeartbeat MessageType = "rtc:heartbeat"
	MessageStatus    MessageType = "rtc:status"

	// MessageSessionStarted announces the order sequence number of a new session.
	MessageSessionStarted MessageType = "session:started"

	// MessageSubscribe joins the sender to the channel of PairingKey.
	MessageSubscribe MessageType = "subscribe"
	MessageError     MessageType = "error"

	// MessagePreflightBegin asks a target display to answer preflight trials.
	MessagePreflightBegin MessageType = "preflight:begin"
)

// Message is the JSON shape exchanged on the basket messaging channel.
type Message struct {
	Type       MessageType `json:"type"`
	PairingKey PairingKey  `json:"basketId"`
	SDP        string      `json:"sdp,omitempty"`
	Reason     StopReason  `json:"reason,omitempty"`
	Provider   ProviderID  `json:"provider,omitempty"`
	Audio      *FlowPair   `json:"audio,omitempty"`
	Video      *FlowPair   `json:"video,omitempty"`
	Sender     string      `json:"sender,omitempty"`
	Role       Role        `json:"role,omitempty"`
	Error      string      `json:"error,omitempty"`
	RequestID  string      `json:"requestId,omitempty"`
	Scenarios  []Scenario  `json:"scenarios,omitempty"`
	OSN        string      `json:"osn,omitempty"`
}

// HeartbeatMessage builds the heartbeat for a snapshot.
func HeartbeatMessage(key PairingKey, h HealthSnapshot) Message {
	return Message{
		Type:       MessageHeartbeat,
		PairingKey: key,
		Audio:      &FlowPair{In: h.AudioInbound, Out: h.AudioOutbound},
		Video:      &FlowPair{In: h.VideoInbound, Out: h.VideoOutbound},
	}
}

// Snapshot converts a heartbeat or status message back into liveness flags.
func (m Message) Snapshot() HealthSnapshot {
	var h HealthSnapshot
	if m.Audio != nil {
		h.AudioInbound, h.AudioOutbound = m.Audio.In, m.Audio.Out
	}
	if m.Video != nil {
		h.VideoInbound, h.VideoOutbound = m.Video.In, m.Video.Out
	}
	return h
}
