package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewRequestID returns a short random identifier suitable for preflight
// requests and HTTP request correlation.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// PreflightPairingKey builds the throwaway pairing key used by a single
// preflight trial. Both ends derive the same key from the request and
// scenario identifiers.
func PreflightPairingKey(requestID, scenarioID string) string {
	return fmt.Sprintf("pf_%s_%s", requestID, scenarioID)
}

// ParsePreflightPairingKey splits a key produced by PreflightPairingKey.
func ParsePreflightPairingKey(key string) (requestID, scenarioID string, ok bool) {
	rest, found := strings.CutPrefix(key, "pf_")
	if !found {
		return "", "", false
	}
	requestID, scenarioID, ok = strings.Cut(rest, "_")
	if !ok || requestID == "" || scenarioID == "" {
		return "", "", false
	}
	return requestID, scenarioID, true
}

// IsPreflightPairingKey reports whether key belongs to a preflight trial.
func IsPreflightPairingKey(key string) bool {
	_, _, ok := ParsePreflightPairingKey(key)
	return ok
}

// ParticipantIdentity returns the SFU room identity for a role, e.g.
// "display-1a2b3c4d".
func ParticipantIdentity(role string) string {
	return fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
}

// ScenarioID composes the per-target scenario identifier.
func ScenarioID(target, scenario string) string {
	return fmt.Sprintf("%s-%s", target, scenario)
}
