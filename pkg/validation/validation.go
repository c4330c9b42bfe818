package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"kiosklink/internal/core/domain"
)

var (
	// PairingKeyRegex validates pairing key format
	PairingKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const maxPairingKeyLength = 128

// ValidatePairingKey validates a pairing key
func ValidatePairingKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: pairing key is required", domain.ErrInvalidPairingKey)
	}
	if len(key) > maxPairingKeyLength {
		return fmt.Errorf("%w: pairing key is too long (max %d characters)", domain.ErrInvalidPairingKey, maxPairingKeyLength)
	}
	if !PairingKeyRegex.MatchString(key) {
		return fmt.Errorf("%w: invalid pairing key format", domain.ErrInvalidPairingKey)
	}
	return nil
}

// ValidateRole validates a kiosk role
func ValidateRole(role string) error {
	if !domain.Role(role).Valid() {
		return fmt.Errorf("invalid role %q (expected cashier or display)", role)
	}
	return nil
}

// ValidateProvider validates a provider identifier, accepting aliases
func ValidateProvider(name string) (domain.ProviderID, error) {
	id, ok := domain.ParseProviderID(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownProvider, name)
	}
	return id, nil
}

// ValidateURL validates URL format
func ValidateURL(rawURL string, schemes ...string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if len(schemes) == 0 {
		return nil
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("URL scheme must be one of %s", strings.Join(schemes, ", "))
}

// ValidateICEServerURL validates a stun/turn URL
func ValidateICEServerURL(raw string) error {
	for _, prefix := range []string{"stun:", "turn:", "turns:"} {
		if strings.HasPrefix(raw, prefix) && len(raw) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q", raw)
}
