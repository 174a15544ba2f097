// Package bus is the in-process event channel that distributes counter
// notifications to display widgets.
//
// Delivery is synchronous: Publish returns after every handler subscribed to
// the topic at the time of the call has run, in subscription order. A
// handler that panics is recovered and logged; the remaining handlers still
// receive the event.
package bus

import (
	"log/slog"
	"sync"
)

// Topics published by tally.
const (
	// TopicStatsUpdated carries an ir.StatsUpdate after every accepted write.
	TopicStatsUpdated = "stats-updated"
	// TopicDiffHistory carries an overlay.History after the overlay records a change.
	TopicDiffHistory = "stats-diff-history"
)

// Handler receives a published payload.
type Handler func(topic string, payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a topic-based publish/subscribe channel.
// Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string][]subscription
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[string][]subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Subscribe registers handler for topic and returns a function removing it.
// The returned function is idempotent and may be called from inside a handler.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy so in-flight deliveries keep iterating their own snapshot.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = next
		}
		return
	}
}

// Publish delivers payload to the handlers currently subscribed to topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := b.topics[topic]
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(topic, s, payload)
	}
}

func (b *Bus) deliver(topic string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("handler panicked", "topic", topic, "subscription", s.id, "panic", r)
		}
	}()
	s.handler(topic, payload)
}

// Subscribers returns the number of handlers subscribed to topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
