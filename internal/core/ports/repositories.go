package ports

import (
	"context"

	"kiosklink/internal/core/domain"
)

// RelayStore backs the reference relay. It keeps only the latest offer and
// answer per pairing key and one candidate queue per role.
type RelayStore interface {
	// SetOffer stores a new offer and resets the answer and both candidate queues.
	SetOffer(ctx context.Context, key domain.PairingKey, sdp string) error
	Offer(ctx context.Context, key domain.PairingKey) (string, bool, error)
	SetAnswer(ctx context.Context, key domain.PairingKey, sdp string) error
	Answer(ctx context.Context, key domain.PairingKey) (string, bool, error)
	AppendCandidate(ctx context.Context, key domain.PairingKey, from domain.Role, c domain.ICECandidate) error
	// DrainCandidates returns and clears the queue written by role from.
	DrainCandidates(ctx context.Context, key domain.PairingKey, from domain.Role) ([]domain.ICECandidate, error)
	Delete(ctx context.Context, key domain.PairingKey) error
	Ping(ctx context.Context) error
}
