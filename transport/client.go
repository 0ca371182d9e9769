// Package transport defines the MQTT collaborator contract consumed by
// the sync core — connect/subscribe/publish/unsubscribe and inbound
// message delivery — and provides two implementations: Paho, over a
// real broker, and Memory, an in-process fake for tests.
package transport

import "context"

// DeniedQoS is the threshold at or above which a granted subscription
// QoS denotes permission denial rather than an accepted QoS level.
const DeniedQoS = 128

// Grant is one subscription outcome returned by Subscribe.
type Grant struct {
	Topic string
	QoS   byte
}

// Denied reports whether this grant represents a denied subscription
// (QoS >= DeniedQoS).
func (g Grant) Denied() bool {
	return g.QoS >= DeniedQoS
}

// SubscribeOptions configures a single Subscribe call.
type SubscribeOptions struct {
	// RAP requests "receive retained after subscribe" semantics: the
	// broker delivers any retained message on the topic immediately
	// after the subscription is granted.
	RAP bool

	QoS byte
}

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	Retain bool
	QoS    byte
}

// Message is a single inbound message delivered to a MessageHandler.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// MessageHandler receives every message the client is subscribed to,
// regardless of which Subscribe call caused the subscription.
type MessageHandler func(Message)

// Client is the MQTT collaborator contract: connect state, subscribe,
// publish, unsubscribe, and inbound message delivery. Implementations
// never connect, reconnect, or tear themselves down on the core's
// behalf — the core only consumes an already-managed client.
type Client interface {
	// Connected reports whether the client currently has a usable
	// broker connection.
	Connected() bool

	// Subscribe registers interest in topic with the broker and
	// returns the grants the broker responded with. A grant QoS >=
	// DeniedQoS denotes the broker refusing the subscription.
	Subscribe(ctx context.Context, topic string, options SubscribeOptions) ([]Grant, error)

	// Publish sends payload to topic. A nil payload is a zero-length
	// publish, used to clear a retained message.
	Publish(ctx context.Context, topic string, payload []byte, options PublishOptions) error

	// Unsubscribe removes interest in topic.
	Unsubscribe(ctx context.Context, topic string) error

	// OnMessage registers a handler invoked for every inbound message
	// on any topic the client is subscribed to. It returns a function
	// that removes the handler.
	OnMessage(handler MessageHandler) (unsubscribe func())
}
