package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"kiosklink/pkg/config"
)

func serve(router *gin.Engine, remote, xff string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/webrtc/answer?pairId=lane-1", nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w
}

func limitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/webrtc/answer", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := limitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:5000", "").Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := limitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:5000", "").Code)

	w := serve(router, "10.0.0.1:5001", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// another kiosk has its own budget
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:5000", "").Code)
}

func TestHTTPRateLimitMiddleware_UsesFirstForwardedHop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := limitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.254:80", "192.168.1.10, 10.0.0.254").Code)
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.254:80", "192.168.1.11, 10.0.0.254").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.254:80", "192.168.1.10").Code)
}

func TestRateLimiterStore_SweepsIdleClients(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newRateLimiterStore(rate.Limit(1), 1)
	s.now = func() time.Time { return now }

	s.getLimiter("a")
	s.getLimiter("b")
	assert.Equal(t, 2, s.size())

	now = now.Add(limiterIdleTTL + time.Second)
	s.getLimiter("c")
	assert.Equal(t, 1, s.size())
}
