package domain

import "errors"

var (
	ErrInvalidPairingKey  = errors.New("invalid pairing key")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrProviderStart      = errors.New("provider start failed")
	ErrTokenFetch         = errors.New("room token fetch failed")
	ErrNoCaptureDevice    = errors.New("no capture device")
	ErrPermissionDenied   = errors.New("capture permission denied")
	ErrConnectTimeout     = errors.New("connection establishment timed out")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrNotRunning         = errors.New("orchestrator is not running")
	ErrSessionStopped     = errors.New("session stopped")
	ErrRelayUnavailable   = errors.New("signaling relay unavailable")
	ErrNotFound           = errors.New("not found")
	ErrPreflightTimeout   = errors.New("preflight trial timed out")
	ErrPongTimeout        = errors.New("preflight pong timed out")
	ErrChannelClosed      = errors.New("data channel closed")
)
