package logger

import (
	"context"

	"kiosklink/internal/core/domain"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	pairingKeyCtx ctxKey = iota
	providerCtx
	requestIDCtx
)

// WithPairingKey stores the pairing key in ctx for log enrichment.
func WithPairingKey(ctx context.Context, key domain.PairingKey) context.Context {
	return context.WithValue(ctx, pairingKeyCtx, key)
}

func WithProvider(ctx context.Context, id domain.ProviderID) context.Context {
	return context.WithValue(ctx, providerCtx, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtx, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the pairing key, provider and request id found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if key, ok := ctx.Value(pairingKeyCtx).(domain.PairingKey); ok && key != "" {
		fields = append(fields, zap.String("pairing_key", string(key)))
	}
	if id, ok := ctx.Value(providerCtx).(domain.ProviderID); ok && id != "" {
		fields = append(fields, zap.String("provider", string(id)))
	}
	if id, ok := ctx.Value(requestIDCtx).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugar returns the sugared form of WithContext.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
