package services

import (
	"kiosklink/internal/core/domain"
)

// BuildProviderOrder computes the order in which providers are attempted:
// the preflight hint first, then the configured default, then the
// configured fallback order, then every known provider not listed yet.
// Names are normalized through their aliases and unknown names are dropped.
//
// A default of "off" disables media entirely and yields an empty order.
func BuildProviderOrder(defaultProvider string, fallbackOrder []string, hint domain.ProviderID) []domain.ProviderID {
	if id, ok := domain.ParseProviderID(defaultProvider); ok && id == domain.ProviderOff {
		return nil
	}

	order := make([]domain.ProviderID, 0, len(domain.DefaultProviders)+len(fallbackOrder)+2)
	seen := make(map[domain.ProviderID]bool, len(domain.DefaultProviders))

	add := func(name string) {
		id, ok := domain.ParseProviderID(name)
		if !ok || id == domain.ProviderOff || seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
	}

	add(string(hint))
	add(defaultProvider)
	for _, name := range fallbackOrder {
		add(name)
	}
	for _, id := range domain.DefaultProviders {
		add(string(id))
	}
	return order
}
