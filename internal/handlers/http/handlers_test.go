package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/infrastructure/middleware"
	"kiosklink/internal/infrastructure/relay"
	"kiosklink/internal/infrastructure/repositories/memory"
)

type broadcastRecorder struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (b *broadcastRecorder) Broadcast(msg domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *broadcastRecorder) last() domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return domain.Message{}
	}
	return b.messages[len(b.messages)-1]
}

type relayFixture struct {
	router *gin.Engine
	bus    *broadcastRecorder
	tokens *TokenHandler
}

func newRelayFixture(t *testing.T) *relayFixture {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	bus := &broadcastRecorder{}
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))

	NewRelayHandler(memory.NewRelayStore(time.Minute), bus, logger).SetupRoutes(router)
	tokens := NewTokenHandler(TokenConfig{
		Secret: "secret",
		Issuer: "kiosklink",
		TTL:    time.Minute,
		SFUURL: "ws://sfu.local/rtc",
	}, logger)
	tokens.SetupRoutes(router)

	return &relayFixture{router: router, bus: bus, tokens: tokens}
}

func (f *relayFixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestRelayHandler_OfferResetsAnswerAndCandidates(t *testing.T) {
	f := newRelayFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathOffer,
		relay.DescriptionRequest{PairID: "lane-1", SDP: "offer-1"}, nil))
	assert.Equal(t, domain.Message{Type: domain.MessageOffer, PairingKey: "lane-1"}, f.bus.last())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathAnswer,
		relay.DescriptionRequest{PairID: "lane-1", SDP: "answer-1"}, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathCandidate,
		relay.CandidateRequest{PairID: "lane-1", Role: domain.RoleCashier, Candidate: &domain.ICECandidate{Candidate: "candidate:1"}}, nil))

	var answer relay.DescriptionResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathAnswer+"?pairId=lane-1", nil, &answer))
	require.NotNil(t, answer.SDP)
	assert.Equal(t, "answer-1", *answer.SDP)

	// a restarted offerer clears the previous negotiation
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathOffer,
		relay.DescriptionRequest{PairID: "lane-1", SDP: "offer-2"}, nil))

	answer = relay.DescriptionResponse{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathAnswer+"?pairId=lane-1", nil, &answer))
	assert.Nil(t, answer.SDP)

	var cands relay.CandidatesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathCandidates+"?pairId=lane-1&role=display", nil, &cands))
	assert.Empty(t, cands.Items)

	var offer relay.DescriptionResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathOffer+"?pairId=lane-1", nil, &offer))
	assert.Equal(t, "offer-2", *offer.SDP)
}

func TestRelayHandler_CandidatesAreRoleScopedAndDrained(t *testing.T) {
	f := newRelayFixture(t)

	for _, c := range []string{"candidate:a", "candidate:b"} {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathCandidate,
			relay.CandidateRequest{PairID: "lane-1", Role: domain.RoleDisplay, Candidate: &domain.ICECandidate{Candidate: c}}, nil))
	}

	var own relay.CandidatesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathCandidates+"?pairId=lane-1&role=display", nil, &own))
	assert.Empty(t, own.Items)

	var peer relay.CandidatesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathCandidates+"?pairId=lane-1&role=cashier", nil, &peer))
	require.Len(t, peer.Items, 2)
	assert.Equal(t, "candidate:a", peer.Items[0].Candidate)

	peer = relay.CandidatesResponse{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathCandidates+"?pairId=lane-1&role=cashier", nil, &peer))
	assert.Empty(t, peer.Items)
}

func TestRelayHandler_DeleteBroadcastsReason(t *testing.T) {
	f := newRelayFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathOffer,
		relay.DescriptionRequest{PairID: "lane-1", SDP: "offer"}, nil))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, relay.PathSession+"lane-1?reason=preclear", nil, nil))
	assert.Equal(t, domain.Message{Type: domain.MessageStopped, PairingKey: "lane-1", Reason: domain.StopPreclear}, f.bus.last())

	var offer relay.DescriptionResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathOffer+"?pairId=lane-1", nil, &offer))
	assert.Nil(t, offer.SDP)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, relay.PathSession+"lane-1", nil, nil))
	assert.Equal(t, domain.StopUser, f.bus.last().Reason)
}

func TestRelayHandler_StartSessionKeepsOSNUntilDeleted(t *testing.T) {
	f := newRelayFixture(t)

	var first, again, next relay.StartSessionResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathSessionStart+"?pairId=lane-1", nil, &first))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathSessionStart, map[string]string{"pairId": "lane-1"}, &again))
	assert.NotEmpty(t, first.OSN)
	assert.Equal(t, first.OSN, again.OSN)
	assert.Equal(t, domain.MessageSessionStarted, f.bus.last().Type)
	assert.Equal(t, first.OSN, f.bus.last().OSN)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, relay.PathSession+"lane-1", nil, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathSessionStart+"?pairId=lane-1", nil, &next))
	assert.NotEqual(t, first.OSN, next.OSN)
}

func TestRelayHandler_RejectsBadInput(t *testing.T) {
	f := newRelayFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, relay.PathOffer,
		relay.DescriptionRequest{PairID: "lane-1"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, relay.PathOffer,
		relay.DescriptionRequest{PairID: "lane 1/../x", SDP: "offer"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, relay.PathOffer, nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, relay.PathCandidates+"?pairId=lane-1&role=manager", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, relay.PathCandidate,
		relay.CandidateRequest{PairID: "lane-1", Role: "manager", Candidate: &domain.ICECandidate{Candidate: "c"}}, nil))
}

func TestTokenHandler_ICEConfigDefaultsToPublicSTUN(t *testing.T) {
	f := newRelayFixture(t)

	var resp relay.ConfigResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, relay.PathConfig, nil, &resp))
	assert.Equal(t, defaultICEServers, resp.ICEServers)
}

func TestTokenHandler_IssuesVerifiableRoomToken(t *testing.T) {
	f := newRelayFixture(t)
	now := time.Now().Truncate(time.Second)
	f.tokens.now = func() time.Time { return now }

	var resp relay.TokenResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, relay.PathToken,
		relay.TokenRequest{PairID: "lane-1", Role: domain.RoleDisplay, Provider: "livekit"}, &resp))

	assert.Equal(t, "ws://sfu.local/rtc", resp.URL)
	assert.Regexp(t, `^display-[0-9a-f]{8}$`, resp.Identity)
	assert.Equal(t, now.Add(time.Minute).Unix(), resp.ExpiresAt)

	claims, err := ParseRoomToken(resp.Token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "lane-1", claims.Room)
	assert.Equal(t, domain.RoleDisplay, claims.Role)
	assert.Equal(t, resp.Identity, claims.Subject)
	assert.Equal(t, "kiosklink", claims.Issuer)

	_, err = ParseRoomToken(resp.Token, "other")
	assert.Error(t, err)
}

func TestTokenHandler_RejectsNonSFUProviders(t *testing.T) {
	f := newRelayFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, relay.PathToken,
		relay.TokenRequest{PairID: "lane-1", Role: domain.RoleCashier, Provider: "p2p"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, relay.PathToken,
		relay.TokenRequest{PairID: "lane-1", Role: domain.RoleCashier, Provider: "carrier-pigeon"}, nil))
}
