package relay

import "kiosklink/internal/core/domain"

// Paths of the relay HTTP API.
const (
	PathOffer        = "/webrtc/offer"
	PathAnswer       = "/webrtc/answer"
	PathCandidate    = "/webrtc/candidate"
	PathCandidates   = "/webrtc/candidates"
	PathSession      = "/webrtc/session/"
	PathConfig       = "/webrtc/config"
	PathToken        = "/rtc/token"
	PathSessionStart = "/session/start"
	PathHealth       = "/health"
)

type DescriptionRequest struct {
	PairID string `json:"pairId" binding:"required"`
	SDP    string `json:"sdp" binding:"required"`
}

// DescriptionResponse carries a nil SDP when nothing is stored.
type DescriptionResponse struct {
	SDP *string `json:"sdp"`
}

type CandidateRequest struct {
	PairID    string               `json:"pairId" binding:"required"`
	Role      domain.Role          `json:"role" binding:"required"`
	Candidate *domain.ICECandidate `json:"candidate" binding:"required"`
}

type CandidatesResponse struct {
	Items []domain.ICECandidate `json:"items"`
}

type ConfigResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

type TokenRequest struct {
	PairID   string            `json:"pairId" binding:"required"`
	Role     domain.Role       `json:"role" binding:"required"`
	Provider domain.ProviderID `json:"provider"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	URL       string `json:"url"`
	Identity  string `json:"identity"`
	ExpiresAt int64  `json:"expiresAt"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// StartSessionResponse carries the order sequence number of the active session.
type StartSessionResponse struct {
	OK  bool   `json:"ok"`
	OSN string `json:"osn"`
}

type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}
