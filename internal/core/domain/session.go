package domain

import (
	"strings"
	"time"
)

// PairingKey identifies a two-party session slot in the relay store.
// The same identifier is used by the basket subsystem.
type PairingKey string

func (k PairingKey) String() string { return string(k) }

type ProviderID string

const (
	ProviderP2P  ProviderID = "p2p"
	ProviderSFU  ProviderID = "sfu"
	ProviderStub ProviderID = "stub"
	ProviderOff  ProviderID = "off"
)

// DefaultProviders is appended to every computed provider order.
var DefaultProviders = []ProviderID{ProviderP2P, ProviderSFU, ProviderStub}

var providerAliases = map[string]ProviderID{
	"p2p":     ProviderP2P,
	"self":    ProviderP2P,
	"sfu":     ProviderSFU,
	"livekit": ProviderSFU,
	"stub":    ProviderStub,
	"twilio":  ProviderStub,
	"off":     ProviderOff,
	"none":    ProviderOff,
}

// ParseProviderID normalizes a provider name. Legacy names from server
// configuration (livekit, twilio, self) are accepted as aliases.
func ParseProviderID(name string) (ProviderID, bool) {
	id, ok := providerAliases[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

type LinkState string

const (
	LinkIdle      LinkState = "idle"
	LinkStarting  LinkState = "starting"
	LinkConnected LinkState = "connected"
	LinkFailed    LinkState = "failed"
	LinkStopping  LinkState = "stopping"
)

// Status is the UI-facing link status.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDegraded   Status = "degraded"
	StatusOffline    Status = "offline"
)

type StopReason string

const (
	StopUser      StopReason = "user"
	StopPreclear  StopReason = "preclear"
	StopPreflight StopReason = "preflight"
	StopRemote    StopReason = "remote"
	StopError     StopReason = "error"
	StopFallback  StopReason = "fallback"
	StopDegraded  StopReason = "degraded"
)

// UserInitiated reports whether the stop must suppress any automatic
// reconnection or fallback.
func (r StopReason) UserInitiated() bool {
	return r == StopUser
}

// SessionDescriptor is owned by the orchestrator and handed out by value.
type SessionDescriptor struct {
	PairingKey PairingKey
	Provider   ProviderID
	LinkState  LinkState
	Status     Status
	Bars       int
	MicMuted   bool
	UpdatedAt  time.Time
}
