package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	handlers "kiosklink/internal/handlers/http"
	"kiosklink/internal/infrastructure/middleware"
	"kiosklink/internal/infrastructure/relay"
	"kiosklink/internal/infrastructure/repositories/memory"
	"kiosklink/pkg/circuitbreaker"
	apperrors "kiosklink/pkg/errors"
)

type errorCounter struct {
	ops []string
}

func (e *errorCounter) SetBars(int) {}
func (e *errorCounter) SetStatus(domain.Status) {}
func (e *errorCounter) ProviderStart(domain.ProviderID, bool) {}
func (e *errorCounter) Fallback(domain.ProviderID, domain.ProviderID) {}
func (e *errorCounter) RelayError(op string) { e.ops = append(e.ops, op) }
func (e *errorCounter) PreflightScore(string, int, time.Duration) {}
func (e *errorCounter) CaptureRestart(domain.CaptureProfile) {}

func newRelayServer(t *testing.T) *httptest.Server {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	handlers.NewRelayHandler(memory.NewRelayStore(time.Minute), nil, logger).SetupRoutes(router)
	handlers.NewTokenHandler(handlers.TokenConfig{
		Secret:     "secret",
		TTL:        time.Minute,
		SFUURL:     "ws://sfu.local/rtc",
		ICEServers: []domain.ICEServer{{URLs: []string{"turn:turn.local:3478"}, Username: "u", Credential: "p"}},
	}, logger).SetupRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string, metrics *errorCounter) *relay.Client {
	return relay.NewClient(relay.Config{
		BaseURL:           baseURL,
		RequestTimeout:    2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, metrics, zap.NewNop().Sugar())
}

func TestClient_OfferAnswerCandidateRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(newRelayServer(t).URL, &errorCounter{})
	key := domain.PairingKey("lane-7")

	offer, err := c.GetOffer(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, offer)

	require.NoError(t, c.PostOffer(ctx, key, domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"}))
	offer, err = c.GetOffer(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"}, *offer)

	require.NoError(t, c.PostAnswer(ctx, key, domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}))
	answer, err := c.GetAnswer(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer.SDP)

	mid := "0"
	require.NoError(t, c.PostCandidate(ctx, key, domain.RoleCashier, domain.ICECandidate{Candidate: "candidate:1", SDPMid: &mid}))
	got, err := c.GetCandidates(ctx, key, domain.RoleDisplay)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "candidate:1", got[0].Candidate)
	assert.Equal(t, "0", *got[0].SDPMid)

	require.NoError(t, c.DeleteSession(ctx, key, domain.StopPreclear))
	answer, err = c.GetAnswer(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, answer)
}

func TestClient_StartSession(t *testing.T) {
	c := newClient(newRelayServer(t).URL, &errorCounter{})

	osn, err := c.StartSession(context.Background(), "lane-7")
	require.NoError(t, err)
	again, err := c.StartSession(context.Background(), "lane-7")
	require.NoError(t, err)
	assert.Equal(t, osn, again)
}

func TestClient_ICEServersAndToken(t *testing.T) {
	ctx := context.Background()
	c := newClient(newRelayServer(t).URL, &errorCounter{})

	servers, err := c.ICEServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "turn:turn.local:3478", servers[0].URLs[0])

	tok, err := c.RequestToken(ctx, domain.ProviderSFU, "lane-7", domain.RoleDisplay)
	require.NoError(t, err)
	assert.Equal(t, "ws://sfu.local/rtc", tok.URL)

	claims, err := handlers.ParseRoomToken(tok.Token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "lane-7", claims.Room)
}

func TestClient_MapsHTTPErrors(t *testing.T) {
	metrics := &errorCounter{}
	c := newClient(newRelayServer(t).URL, metrics)

	_, err := c.GetCandidates(context.Background(), "lane-7", "manager")
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	assert.False(t, apperrors.IsTransient(err))
	assert.Equal(t, []string{"get_candidates"}, metrics.ops)
}

func TestClient_UnreachableRelayIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(url, &errorCounter{})
	_, err := c.GetOffer(context.Background(), "lane-7")
	require.Error(t, err)
	assert.ErrorContains(t, err, domain.ErrRelayUnavailable.Error())
	assert.True(t, apperrors.IsTransient(err))
}

func TestClient_ICEFallbackAndTokenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	fallback := []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	c := relay.NewClient(relay.Config{
		BaseURL:            srv.URL,
		RequestTimeout:     time.Second,
		RequestsPerSecond:  1000,
		Burst:              100,
		FallbackICEServers: fallback,
		Breaker:            circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1},
	}, nil, zap.NewNop().Sugar())

	servers, err := c.ICEServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fallback, servers)

	for i := 0; i < 3; i++ {
		_, err = c.RequestToken(context.Background(), domain.ProviderSFU, "lane-7", domain.RoleCashier)
		assert.ErrorIs(t, err, domain.ErrTokenFetch)
	}
	// the ICE fetch and one token request tripped the breaker; later calls fail fast
	assert.Equal(t, int32(2), hits.Load())
}
