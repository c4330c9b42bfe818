package services

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
)

// EventBus fans typed events out to in-process subscribers. Publish never
// blocks; a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
	logger *zap.SugaredLogger
}

type subscriber struct {
	ch     chan domain.Event
	accept func(domain.Event) bool
}

func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		subs:   make(map[int]subscriber),
		logger: logger,
	}
}

// Publish implements ports.EventPublisher.
func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if sub.accept != nil && !sub.accept(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warnw("event dropped, subscriber is full",
				"subscriber", id,
				"event", fmt.Sprintf("%T", ev),
			)
		}
	}
}

// Subscribe registers a buffered subscriber for every event. The returned
// cancel function closes the channel and is safe to call more than once.
func (b *EventBus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	return b.SubscribeFunc(buffer, nil)
}

// SubscribeFunc registers a subscriber that only receives events accept
// reports true for. Filtered events never take buffer space.
func (b *EventBus) SubscribeFunc(buffer int, accept func(domain.Event) bool) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{ch: ch, accept: accept}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
