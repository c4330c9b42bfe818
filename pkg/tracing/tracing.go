package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "kiosklink"

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "kiosklink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init initializes tracing. A disabled config yields a provider whose
// Shutdown is a no-op and leaves the global no-op tracer in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// End records err on the span when non-nil and ends it.
func End(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	PairingKeyKey = attribute.Key("kiosk.pairing_key")
	ProviderKey   = attribute.Key("kiosk.provider")
	AttemptKey    = attribute.Key("kiosk.attempt")
	ScenarioKey   = attribute.Key("preflight.scenario")
	ScoreKey      = attribute.Key("preflight.score")
	RelayOpKey    = attribute.Key("relay.op")
)

// TraceProviderStart traces one provider start attempt.
func TraceProviderStart(ctx context.Context, key, provider string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.provider_start",
		trace.WithAttributes(
			PairingKeyKey.String(key),
			ProviderKey.String(provider),
			AttemptKey.Int(attempt),
		),
	)
}

// TraceFallback traces a provider switch.
func TraceFallback(ctx context.Context, key, from, to string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.fallback",
		trace.WithAttributes(
			PairingKeyKey.String(key),
			attribute.String("kiosk.provider_from", from),
			attribute.String("kiosk.provider_to", to),
		),
	)
}

// TracePreflightTrial traces one disposable preflight trial.
func TracePreflightTrial(ctx context.Context, scenarioID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "preflight.trial", trace.WithAttributes(ScenarioKey.String(scenarioID)))
}

// TraceRelay traces a relay request.
func TraceRelay(ctx context.Context, op string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("relay.%s", op), trace.WithAttributes(RelayOpKey.String(op)))
}
