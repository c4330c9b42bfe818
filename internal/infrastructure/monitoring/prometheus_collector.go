package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

var statuses = []domain.Status{
	domain.StatusIdle,
	domain.StatusConnecting,
	domain.StatusConnected,
	domain.StatusDegraded,
	domain.StatusOffline,
}

type PrometheusCollector struct {
	// Gauges
	signalQualityBars prometheus.Gauge
	sessionStatus     *prometheus.GaugeVec

	// Counters
	providerStarts  *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	relayErrors     *prometheus.CounterVec
	captureRestarts *prometheus.CounterVec

	// Histograms
	preflightScore   *prometheus.HistogramVec
	preflightConnect *prometheus.HistogramVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the agent metrics with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		signalQualityBars: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiosklink_signal_quality_bars",
			Help: "Signal quality bars shown to the operator (0-3)",
		}),

		sessionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiosklink_session_status",
			Help: "Current link status; the active status is 1",
		}, []string{"status"}),

		providerStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosklink_provider_starts_total",
			Help: "Provider start attempts by result",
		}, []string{"provider", "result"}),

		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosklink_fallbacks_total",
			Help: "Provider fallbacks",
		}, []string{"from", "to"}),

		relayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosklink_relay_errors_total",
			Help: "Failed signaling relay requests",
		}, []string{"op"}),

		captureRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosklink_capture_restarts_total",
			Help: "Capture restarts by applied profile",
		}, []string{"profile"}),

		preflightScore: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiosklink_preflight_score",
			Help:    "Best preflight score per target",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"target"}),

		preflightConnect: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiosklink_preflight_connect_seconds",
			Help:    "Time to connected of the best preflight trial",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		}, []string{"target"}),
	}
}

func (p *PrometheusCollector) SetBars(bars int) {
	p.signalQualityBars.Set(float64(bars))
}

func (p *PrometheusCollector) SetStatus(status domain.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		p.sessionStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusCollector) ProviderStart(provider domain.ProviderID, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	p.providerStarts.WithLabelValues(string(provider), result).Inc()
}

func (p *PrometheusCollector) Fallback(from, to domain.ProviderID) {
	p.fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) RelayError(op string) {
	p.relayErrors.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) PreflightScore(target string, score int, connect time.Duration) {
	p.preflightScore.WithLabelValues(target).Observe(float64(score))
	if connect > 0 {
		p.preflightConnect.WithLabelValues(target).Observe(connect.Seconds())
	}
}

func (p *PrometheusCollector) CaptureRestart(profile domain.CaptureProfile) {
	p.captureRestarts.WithLabelValues(profile.String()).Inc()
}
