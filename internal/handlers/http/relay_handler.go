package http

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/internal/infrastructure/relay"
	"kiosklink/pkg/errors"
	"kiosklink/pkg/validation"
)

// RelayHandler serves the polling signaling API. It is a dumb store: the
// latest offer and answer per pairing key, one candidate queue per role.
// Offers and session deletes are announced on the messaging channel.
type RelayHandler struct {
	store       ports.RelayStore
	broadcaster ports.Broadcaster
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.PairingKey]string
	nextOSN  int
}

var _ ports.RelayHTTPHandler = (*RelayHandler)(nil)

func NewRelayHandler(
	store ports.RelayStore,
	broadcaster ports.Broadcaster,
	logger *zap.SugaredLogger,
) *RelayHandler {
	return &RelayHandler{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		sessions:    make(map[domain.PairingKey]string),
	}
}

func (h *RelayHandler) SetupRoutes(router gin.IRouter) {
	router.POST(relay.PathOffer, h.PostOffer)
	router.GET(relay.PathOffer, h.GetOffer)
	router.POST(relay.PathAnswer, h.PostAnswer)
	router.GET(relay.PathAnswer, h.GetAnswer)
	router.POST(relay.PathCandidate, h.PostCandidate)
	router.GET(relay.PathCandidates, h.GetCandidates)
	router.DELETE(relay.PathSession+":pairId", h.DeleteSession)
	router.POST(relay.PathSessionStart, h.StartSession)
}

// PostOffer stores a new offer. The answer and both candidate queues are
// reset so a restarted offerer never sees stale state.
func (h *RelayHandler) PostOffer(c *gin.Context) {
	var req relay.DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("pairId and sdp required"))
		return
	}
	key, ok := pairingKey(c, req.PairID)
	if !ok {
		return
	}

	if err := h.store.SetOffer(c.Request.Context(), key, req.SDP); err != nil {
		c.Error(storeError("set offer", err))
		return
	}
	h.logger.Debugw("offer stored", "pairing_key", key, "sdp_len", len(req.SDP))

	h.broadcast(domain.Message{Type: domain.MessageOffer, PairingKey: key})
	c.JSON(http.StatusOK, relay.OKResponse{OK: true})
}

func (h *RelayHandler) GetOffer(c *gin.Context) {
	key, ok := pairingKey(c, c.Query("pairId"))
	if !ok {
		return
	}
	sdp, found, err := h.store.Offer(c.Request.Context(), key)
	if err != nil {
		c.Error(storeError("get offer", err))
		return
	}
	c.JSON(http.StatusOK, descriptionResponse(sdp, found))
}

func (h *RelayHandler) PostAnswer(c *gin.Context) {
	var req relay.DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("pairId and sdp required"))
		return
	}
	key, ok := pairingKey(c, req.PairID)
	if !ok {
		return
	}

	if err := h.store.SetAnswer(c.Request.Context(), key, req.SDP); err != nil {
		c.Error(storeError("set answer", err))
		return
	}
	h.logger.Debugw("answer stored", "pairing_key", key, "sdp_len", len(req.SDP))
	c.JSON(http.StatusOK, relay.OKResponse{OK: true})
}

func (h *RelayHandler) GetAnswer(c *gin.Context) {
	key, ok := pairingKey(c, c.Query("pairId"))
	if !ok {
		return
	}
	sdp, found, err := h.store.Answer(c.Request.Context(), key)
	if err != nil {
		c.Error(storeError("get answer", err))
		return
	}
	c.JSON(http.StatusOK, descriptionResponse(sdp, found))
}

// PostCandidate appends to the queue of the sending role.
func (h *RelayHandler) PostCandidate(c *gin.Context) {
	var req relay.CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("pairId, role, candidate required"))
		return
	}
	key, ok := pairingKey(c, req.PairID)
	if !ok {
		return
	}
	if err := validation.ValidateRole(string(req.Role)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.store.AppendCandidate(c.Request.Context(), key, req.Role, *req.Candidate); err != nil {
		c.Error(storeError("append candidate", err))
		return
	}
	c.JSON(http.StatusOK, relay.OKResponse{OK: true})
}

// GetCandidates drains the queue of the other role. The role query
// parameter names the caller.
func (h *RelayHandler) GetCandidates(c *gin.Context) {
	key, ok := pairingKey(c, c.Query("pairId"))
	if !ok {
		return
	}
	role := c.Query("role")
	if err := validation.ValidateRole(role); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	items, err := h.store.DrainCandidates(c.Request.Context(), key, domain.Role(role).Peer())
	if err != nil {
		c.Error(storeError("drain candidates", err))
		return
	}
	if items == nil {
		items = []domain.ICECandidate{}
	}
	c.JSON(http.StatusOK, relay.CandidatesResponse{Items: items})
}

// DeleteSession clears every envelope of the pairing key and broadcasts
// rtc:stopped. A missing reason means the user stopped the session.
func (h *RelayHandler) DeleteSession(c *gin.Context) {
	key, ok := pairingKey(c, c.Param("pairId"))
	if !ok {
		return
	}
	reason := domain.StopReason(strings.TrimSpace(c.Query("reason")))
	if reason == "" {
		reason = domain.StopUser
	}

	if err := h.store.Delete(c.Request.Context(), key); err != nil {
		c.Error(storeError("delete session", err))
		return
	}

	h.mu.Lock()
	delete(h.sessions, key)
	h.mu.Unlock()

	h.logger.Infow("session deleted", "pairing_key", key, "reason", reason)
	h.broadcast(domain.Message{Type: domain.MessageStopped, PairingKey: key, Reason: reason})
	c.JSON(http.StatusOK, relay.OKResponse{OK: true})
}

// StartSession marks the pairing key active and assigns it an order
// sequence number. Starting an active session keeps its number.
func (h *RelayHandler) StartSession(c *gin.Context) {
	raw := c.Query("pairId")
	if raw == "" {
		var body struct {
			PairID string `json:"pairId"`
		}
		_ = c.ShouldBindJSON(&body)
		raw = body.PairID
	}
	key, ok := pairingKey(c, raw)
	if !ok {
		return
	}

	h.mu.Lock()
	osn, active := h.sessions[key]
	if !active {
		h.nextOSN++
		osn = fmt.Sprintf("%06d", h.nextOSN)
		h.sessions[key] = osn
	}
	h.mu.Unlock()

	if !active {
		h.logger.Infow("session started", "pairing_key", key, "osn", osn)
	}
	h.broadcast(domain.Message{Type: domain.MessageSessionStarted, PairingKey: key, OSN: osn})
	c.JSON(http.StatusOK, relay.StartSessionResponse{OK: true, OSN: osn})
}

func (h *RelayHandler) broadcast(msg domain.Message) {
	if h.broadcaster != nil {
		h.broadcaster.Broadcast(msg)
	}
}

func pairingKey(c *gin.Context, raw string) (domain.PairingKey, bool) {
	raw = strings.TrimSpace(raw)
	if err := validation.ValidatePairingKey(raw); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
		return "", false
	}
	return domain.PairingKey(raw), true
}

func descriptionResponse(sdp string, found bool) relay.DescriptionResponse {
	if !found || sdp == "" {
		return relay.DescriptionResponse{}
	}
	return relay.DescriptionResponse{SDP: &sdp}
}

func storeError(op string, err error) *errors.AppError {
	return errors.WrapError(err, errors.ErrCodeServiceUnavailable,
		fmt.Sprintf("%s: %v", op, domain.ErrRelayUnavailable), http.StatusServiceUnavailable)
}
