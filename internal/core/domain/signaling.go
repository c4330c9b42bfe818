package domain

type Role string

const (
	RoleCashier Role = "cashier"
	RoleDisplay Role = "display"
)

func (r Role) Valid() bool {
	return r == RoleCashier || r == RoleDisplay
}

// Peer returns the role on the other side of the pairing.
func (r Role) Peer() Role {
	if r == RoleCashier {
		return RoleDisplay
	}
	return RoleCashier
}

// IsOfferer reports whether this role creates the offer in a peer-to-peer session.
func (r Role) IsOfferer() bool {
	return r == RoleCashier
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type EnvelopeKind string

const (
	EnvelopeOffer     EnvelopeKind = "offer"
	EnvelopeAnswer    EnvelopeKind = "answer"
	EnvelopeCandidate EnvelopeKind = "candidate"
)

// SignalingEnvelope is one write against the relay store.
type SignalingEnvelope struct {
	PairingKey  PairingKey          `json:"pairId"`
	Role        Role                `json:"role"`
	Kind        EnvelopeKind        `json:"kind"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

// ICEServer mirrors the relay's /webrtc/config entries.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// RoomToken is a short-lived SFU access grant.
type RoomToken struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}
