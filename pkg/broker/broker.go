// Package broker abstracts the shared pub/sub medium used for
// cross-process event fan-out. Topics are keyed by scope; publish order
// on a single topic is preserved, delivery is at-least-once.
package broker

import (
	"context"
	"sync"

	"github.com/hearthsync/hearthsync/pkg/errors"
)

// Message is one published payload together with its topic
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes messages from a subscription
type Handler func(ctx context.Context, msg Message)

// Subscription is a handle on an active subscription
type Subscription interface {
	// Cancel stops delivery to the subscription's handler
	Cancel()
}

// Broker is the shared cross-process pub/sub medium
type Broker interface {
	// Publish publishes a payload on a topic
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers every published message to the handler until
	// the subscription is canceled
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)

	// Close releases broker resources
	Close() error
}

// Memory is an in-process broker. It serves single-node deployments and
// tests; handing the same instance to several routers models sibling
// processes sharing a broker.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	closed bool
}

// NewMemory creates a new in-process broker
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[int]Handler),
	}
}

// Publish implements Broker. Delivery is synchronous, which preserves
// per-topic publish order for every subscriber.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New(errors.ErrorTypeBroker, "BROKER_CLOSED", "publish on closed broker")
	}
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, h := range handlers {
		h(ctx, msg)
	}
	return nil
}

// Subscribe implements Broker
func (m *Memory) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeBroker, "BROKER_CLOSED", "subscribe on closed broker")
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = handler
	m.mu.Unlock()

	return &memorySubscription{broker: m, id: id}, nil
}

// Close implements Broker
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[int]Handler)
	m.closed = true
	return nil
}

type memorySubscription struct {
	broker *Memory
	id     int
	once   sync.Once
}

func (s *memorySubscription) Cancel() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
	})
}
