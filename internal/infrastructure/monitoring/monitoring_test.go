package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"kiosklink/internal/core/domain"
)

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.SetBars(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.signalQualityBars))

	c.SetStatus(domain.StatusConnecting)
	c.SetStatus(domain.StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("connecting")))

	c.ProviderStart(domain.ProviderP2P, true)
	c.ProviderStart(domain.ProviderSFU, false)
	c.ProviderStart(domain.ProviderSFU, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerStarts.WithLabelValues("p2p", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.providerStarts.WithLabelValues("sfu", "failure")))

	c.Fallback(domain.ProviderP2P, domain.ProviderSFU)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbacks.WithLabelValues("p2p", "sfu")))

	c.RelayError("get_answer")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayErrors.WithLabelValues("get_answer")))

	c.CaptureRestart(domain.CaptureProfile{Width: 1280, Height: 720, FPS: 30})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.captureRestarts.WithLabelValues("1280x720@30")))

	c.PreflightScore("display-1", 90, 300*time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(c.preflightScore)+testutil.CollectAndCount(c.preflightConnect))
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(ctx context.Context) (bool, error) { return true, nil }, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddMessagingCheck(func() bool { return false }, time.Second)
	h.AddCheck("broken", func(ctx context.Context) (bool, error) { return false, errors.New("down") }, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "check failed", status.Checks["messaging"])
	assert.Equal(t, "down", status.Checks["broken"])
}

func TestHealthChecker_TimeoutReachesCheck(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
