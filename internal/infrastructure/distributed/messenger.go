package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

const publishTimeout = 2 * time.Second

// Messenger carries basket messages over Redis pub/sub, one channel per
// pairing key. The relay uses it as a Broadcaster so that kiosks on the
// redis backend see rtc:offer and rtc:stopped as well.
type Messenger struct {
	client   *redis.Client
	prefix   string
	deviceID string
	role     domain.Role
	logger   *zap.SugaredLogger

	pubsub *redis.PubSub

	mu     sync.Mutex
	subs   map[int]func(domain.Message)
	nextID int
	closed bool
}

var (
	_ ports.Messenger   = (*Messenger)(nil)
	_ ports.Broadcaster = (*Messenger)(nil)
)

// NewMessenger creates a messenger. prefix namespaces the channels, e.g.
// "kiosklink:baskets" gives "kiosklink:baskets:<pairing key>".
func NewMessenger(
	client *redis.Client,
	prefix string,
	deviceID string,
	role domain.Role,
	logger *zap.SugaredLogger,
) *Messenger {
	if prefix == "" {
		prefix = "kiosklink:baskets"
	}
	return &Messenger{
		client:   client,
		prefix:   prefix,
		deviceID: deviceID,
		role:     role,
		logger:   logger,
		pubsub:   client.Subscribe(context.Background()),
		subs:     make(map[int]func(domain.Message)),
	}
}

func (m *Messenger) channel(key domain.PairingKey) string {
	return m.prefix + ":" + string(key)
}

// Run dispatches incoming messages until ctx is done or the messenger is
// closed.
func (m *Messenger) Run(ctx context.Context) error {
	ch := m.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var payload domain.Message
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				m.logger.Warnw("failed to unmarshal message",
					"error", err,
					"channel", msg.Channel,
				)
				continue
			}

			// Skip messages from this device
			if m.deviceID != "" && payload.Sender == m.deviceID {
				continue
			}
			if payload.PairingKey == "" {
				payload.PairingKey = domain.PairingKey(strings.TrimPrefix(msg.Channel, m.prefix+":"))
			}
			m.dispatch(payload)
		}
	}
}

func (m *Messenger) dispatch(msg domain.Message) {
	m.mu.Lock()
	fns := make([]func(domain.Message), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (m *Messenger) Join(ctx context.Context, key domain.PairingKey) error {
	if err := m.pubsub.Subscribe(ctx, m.channel(key)); err != nil {
		return fmt.Errorf("failed to join %s: %w", key, err)
	}
	m.logger.Debugw("joined basket channel", "pairing_key", key)
	return nil
}

// Publish sends msg on the channel of its pairing key. Heartbeats are
// published as status messages because there is no hub to rewrite them.
func (m *Messenger) Publish(ctx context.Context, msg domain.Message) error {
	if msg.PairingKey == "" {
		return fmt.Errorf("message %s has no pairing key", msg.Type)
	}
	if msg.Sender == "" {
		msg.Sender = m.deviceID
	}
	if msg.Role == "" {
		msg.Role = m.role
	}
	if msg.Type == domain.MessageHeartbeat {
		msg.Type = domain.MessageStatus
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel(msg.PairingKey), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	m.logger.Debugw("published message",
		"type", msg.Type,
		"pairing_key", msg.PairingKey,
	)
	return nil
}

// Broadcast publishes msg without a caller context.
func (m *Messenger) Broadcast(msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.Publish(ctx, msg); err != nil {
		m.logger.Warnw("broadcast failed", "type", msg.Type, "pairing_key", msg.PairingKey, "error", err)
	}
}

func (m *Messenger) Subscribe(fn func(domain.Message)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.pubsub.Close()
}

// Broadcasters fans a message out to several broadcasters.
type Broadcasters []ports.Broadcaster

func (b Broadcasters) Broadcast(msg domain.Message) {
	for _, bc := range b {
		bc.Broadcast(msg)
	}
}
