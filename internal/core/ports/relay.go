package ports

import (
	"context"

	"kiosklink/internal/core/domain"
)

// SignalingRelay is the client view of the relay store. Descriptions are
// latest-write-wins; candidates accumulate per role until read.
type SignalingRelay interface {
	PostOffer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error
	// GetOffer returns nil when no offer is stored.
	GetOffer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error)
	PostAnswer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error
	GetAnswer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error)
	PostCandidate(ctx context.Context, key domain.PairingKey, self domain.Role, c domain.ICECandidate) error
	// GetCandidates drains the candidates written by the peer of self.
	GetCandidates(ctx context.Context, key domain.PairingKey, self domain.Role) ([]domain.ICECandidate, error)
	DeleteSession(ctx context.Context, key domain.PairingKey, reason domain.StopReason) error
}

type TokenIssuer interface {
	ICEServers(ctx context.Context) ([]domain.ICEServer, error)
	RequestToken(ctx context.Context, provider domain.ProviderID, key domain.PairingKey, role domain.Role) (domain.RoomToken, error)
}

// Messenger is the basket messaging channel. Delivery is best effort.
type Messenger interface {
	Join(ctx context.Context, key domain.PairingKey) error
	Publish(ctx context.Context, msg domain.Message) error
	Subscribe(fn func(domain.Message)) (cancel func())
	Close() error
}

// Broadcaster fans a message out to every messaging client joined to the
// message's pairing key.
type Broadcaster interface {
	Broadcast(msg domain.Message)
}
