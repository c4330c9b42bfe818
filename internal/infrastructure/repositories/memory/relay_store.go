package memory

import (
	"context"
	"sync"
	"time"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

type room struct {
	offer     string
	answer    string
	ice       map[domain.Role][]domain.ICECandidate
	updatedAt time.Time
}

// RelayStore keeps signaling state in process memory. Rooms untouched for
// longer than ttl are dropped lazily.
type RelayStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[domain.PairingKey]*room
}

func NewRelayStore(ttl time.Duration) ports.RelayStore {
	return &RelayStore{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[domain.PairingKey]*room),
	}
}

// roomLocked returns the room for key, creating it when create is set.
func (s *RelayStore) roomLocked(key domain.PairingKey, create bool) *room {
	r, ok := s.rooms[key]
	if ok && s.ttl > 0 && s.now().Sub(r.updatedAt) > s.ttl {
		delete(s.rooms, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		r = &room{ice: make(map[domain.Role][]domain.ICECandidate)}
		s.rooms[key] = r
	}
	if create {
		r.updatedAt = s.now()
	}
	return r
}

func (s *RelayStore) SetOffer(ctx context.Context, key domain.PairingKey, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(key, true)
	r.offer = sdp
	r.answer = ""
	r.ice = make(map[domain.Role][]domain.ICECandidate)
	return nil
}

func (s *RelayStore) Offer(ctx context.Context, key domain.PairingKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(key, false)
	if r == nil || r.offer == "" {
		return "", false, nil
	}
	return r.offer, true, nil
}

func (s *RelayStore) SetAnswer(ctx context.Context, key domain.PairingKey, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roomLocked(key, true).answer = sdp
	return nil
}

func (s *RelayStore) Answer(ctx context.Context, key domain.PairingKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(key, false)
	if r == nil || r.answer == "" {
		return "", false, nil
	}
	return r.answer, true, nil
}

func (s *RelayStore) AppendCandidate(ctx context.Context, key domain.PairingKey, from domain.Role, c domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(key, true)
	r.ice[from] = append(r.ice[from], c)
	return nil
}

func (s *RelayStore) DrainCandidates(ctx context.Context, key domain.PairingKey, from domain.Role) ([]domain.ICECandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(key, false)
	if r == nil {
		return []domain.ICECandidate{}, nil
	}
	out := r.ice[from]
	delete(r.ice, from)
	if out == nil {
		out = []domain.ICECandidate{}
	}
	return out, nil
}

func (s *RelayStore) Delete(ctx context.Context, key domain.PairingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, key)
	return nil
}

func (s *RelayStore) Ping(ctx context.Context) error {
	return nil
}
