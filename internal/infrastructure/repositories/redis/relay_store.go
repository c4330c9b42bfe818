package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

const roomPrefix = "kiosklink:room:"

// RelayStore keeps signaling state in Redis so several relay instances can
// serve the same kiosks. Every key expires ttl after its last write.
type RelayStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRelayStore(client *redis.Client, ttl time.Duration) ports.RelayStore {
	return &RelayStore{client: client, ttl: ttl}
}

func (s *RelayStore) offerKey(key domain.PairingKey) string {
	return roomPrefix + string(key) + ":offer"
}

func (s *RelayStore) answerKey(key domain.PairingKey) string {
	return roomPrefix + string(key) + ":answer"
}

func (s *RelayStore) iceKey(key domain.PairingKey, role domain.Role) string {
	return fmt.Sprintf("%s%s:ice:%s", roomPrefix, key, role)
}

func (s *RelayStore) SetOffer(ctx context.Context, key domain.PairingKey, sdp string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.offerKey(key), sdp, s.ttl)
		pipe.Del(ctx,
			s.answerKey(key),
			s.iceKey(key, domain.RoleCashier),
			s.iceKey(key, domain.RoleDisplay),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store offer in Redis: %w", err)
	}
	return nil
}

func (s *RelayStore) Offer(ctx context.Context, key domain.PairingKey) (string, bool, error) {
	return s.get(ctx, s.offerKey(key))
}

func (s *RelayStore) SetAnswer(ctx context.Context, key domain.PairingKey, sdp string) error {
	if err := s.client.Set(ctx, s.answerKey(key), sdp, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store answer in Redis: %w", err)
	}
	return nil
}

func (s *RelayStore) Answer(ctx context.Context, key domain.PairingKey) (string, bool, error) {
	return s.get(ctx, s.answerKey(key))
}

func (s *RelayStore) AppendCandidate(ctx context.Context, key domain.PairingKey, from domain.Role, c domain.ICECandidate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	listKey := s.iceKey(key, from)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, data)
		if s.ttl > 0 {
			pipe.Expire(ctx, listKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append candidate in Redis: %w", err)
	}
	return nil
}

// DrainCandidates reads and clears the queue in one transaction so a
// candidate is handed out at most once.
func (s *RelayStore) DrainCandidates(ctx context.Context, key domain.PairingKey, from domain.Role) ([]domain.ICECandidate, error) {
	listKey := s.iceKey(key, from)

	var items *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, listKey, 0, -1)
		pipe.Del(ctx, listKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain candidates from Redis: %w", err)
	}

	raw := items.Val()
	out := make([]domain.ICECandidate, 0, len(raw))
	for _, item := range raw {
		var c domain.ICECandidate
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RelayStore) Delete(ctx context.Context, key domain.PairingKey) error {
	err := s.client.Del(ctx,
		s.offerKey(key),
		s.answerKey(key),
		s.iceKey(key, domain.RoleCashier),
		s.iceKey(key, domain.RoleDisplay),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

func (s *RelayStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RelayStore) get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}
	return val, val != "", nil
}
