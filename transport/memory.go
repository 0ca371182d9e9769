package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/studiolambda/cosmos/sync/path"
)

// Broker is a shared, in-memory stand-in for an MQTT broker: a
// retained-message store plus a registry of connected clients, each
// with its own subscriptions. Multiple Memory clients created from the
// same Broker see each other's publishes, the way multiple real MQTT
// clients see each other's through a real broker.
type Broker struct {
	mu       sync.Mutex
	retained map[string][]byte
	clients  map[*Memory]bool
}

// NewBroker constructs an empty, shared in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		clients:  make(map[*Memory]bool),
	}
}

// NewClient connects a new Memory client to this broker.
func (b *Broker) NewClient() *Memory {
	m := &Memory{
		broker:        b,
		subscriptions: make(map[string]bool),
		handlers:      make(map[uint64]MessageHandler),
	}

	m.connected.Store(true)

	b.mu.Lock()
	b.clients[m] = true
	b.mu.Unlock()

	return m
}

// Memory implements Client as a connection into a Broker, with no
// network involved. It emulates retained-message storage and "receive
// retained after subscribe" delivery, making it suitable for tests and
// single-process use without a real MQTT broker.
type Memory struct {
	broker *Broker

	mu            sync.RWMutex
	connected     atomic.Bool
	subscriptions map[string]bool
	handlers      map[uint64]MessageHandler
	nextID        atomic.Uint64
}

// NewMemory constructs a connected Memory client on its own private
// broker. Use Broker.NewClient directly to share a broker across
// multiple clients.
func NewMemory() *Memory {
	return NewBroker().NewClient()
}

// SetConnected lets tests simulate a disconnect without tearing down
// the fake.
func (m *Memory) SetConnected(connected bool) {
	m.connected.Store(connected)
}

func (m *Memory) Connected() bool {
	return m.connected.Load()
}

func (m *Memory) Subscribe(ctx context.Context, topic string, options SubscribeOptions) ([]Grant, error) {
	m.mu.Lock()
	m.subscriptions[topic] = true
	handlers := m.snapshotHandlersLocked()
	m.mu.Unlock()

	if options.RAP {
		for _, message := range m.broker.retainedMatching(topic) {
			for _, handler := range handlers {
				handler(message)
			}
		}
	}

	return []Grant{{Topic: topic, QoS: options.QoS}}, nil
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte, options PublishOptions) error {
	if options.Retain {
		m.broker.storeRetained(topic, payload)
	}

	message := Message{Topic: topic, Payload: payload, Retain: options.Retain}
	m.broker.deliver(message)

	return nil
}

func (m *Memory) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	delete(m.subscriptions, topic)
	m.mu.Unlock()

	return nil
}

func (m *Memory) OnMessage(handler MessageHandler) (unsubscribe func()) {
	id := m.nextID.Add(1)

	m.mu.Lock()
	m.handlers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *Memory) snapshotHandlersLocked() []MessageHandler {
	handlers := make([]MessageHandler, 0, len(m.handlers))

	for _, handler := range m.handlers {
		handlers = append(handlers, handler)
	}

	return handlers
}

func (m *Memory) matches(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for pattern := range m.subscriptions {
		if _, ok := path.MatchTopics(pattern, topic); ok {
			return true
		}
	}

	return false
}

func (m *Memory) handlersSnapshot() []MessageHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshotHandlersLocked()
}

func (b *Broker) storeRetained(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(payload) == 0 {
		delete(b.retained, topic)

		return
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	b.retained[topic] = stored
}

func (b *Broker) retainedMatching(pattern string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var messages []Message

	for topic, payload := range b.retained {
		if _, ok := path.MatchTopics(pattern, topic); ok {
			messages = append(messages, Message{Topic: topic, Payload: payload, Retain: true})
		}
	}

	return messages
}

func (b *Broker) deliver(message Message) {
	b.mu.Lock()
	clients := make([]*Memory, 0, len(b.clients))

	for client := range b.clients {
		clients = append(clients, client)
	}

	b.mu.Unlock()

	for _, client := range clients {
		if !client.matches(message.Topic) {
			continue
		}

		for _, handler := range client.handlersSnapshot() {
			handler(message)
		}
	}
}
