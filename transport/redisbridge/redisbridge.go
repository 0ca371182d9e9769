// Package redisbridge adapts github.com/redis/go-redis/v9 to the
// transport.Client contract, demonstrating that the sync core is
// broker-agnostic. Redis pub/sub has no native retained-message
// concept, so retained state is emulated with a Redis hash; ordinary
// delivery goes over a single shared pub/sub channel, with MQTT-style
// wildcard matching (path.MatchTopics) applied client-side rather than
// relying on Redis's own glob pattern matching to approximate it.
package redisbridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/studiolambda/cosmos/sync/path"
	"github.com/studiolambda/cosmos/sync/transport"
)

const (
	retainedHashKey  = "cosmos:retained"
	broadcastChannel = "cosmos:messages"
)

type wireMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	Retain  bool   `json:"retain"`
}

// Client implements transport.Client over a Redis connection shared by
// every Client constructed against the same broadcast channel and hash
// key — in practice, every Client pointed at the same Redis instance.
type Client struct {
	redis  *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu            sync.RWMutex
	subscriptions map[string]bool
	handlers      map[uint64]transport.MessageHandler
	nextID        atomic.Uint64
	connected     atomic.Bool
}

// New connects to the Redis instance described by options and returns
// a ready-to-use Client.
func New(ctx context.Context, options *redis.Options) (*Client, error) {
	return NewFrom(ctx, redis.NewClient(options))
}

// NewFrom adapts an already-configured redis.Client.
func NewFrom(ctx context.Context, rdb *redis.Client) (*Client, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	client := &Client{
		redis:         rdb,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
		handlers:      make(map[uint64]transport.MessageHandler),
	}

	client.connected.Store(true)
	client.pubsub = rdb.Subscribe(runCtx, broadcastChannel)

	go client.listen(runCtx)

	return client, nil
}

func (c *Client) listen(ctx context.Context) {
	ch := c.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var decoded wireMessage

			if err := json.Unmarshal([]byte(raw.Payload), &decoded); err != nil {
				continue
			}

			c.deliver(decoded)
		}
	}
}

func (c *Client) deliver(msg wireMessage) {
	c.mu.RLock()

	matched := false

	for pattern := range c.subscriptions {
		if _, ok := path.MatchTopics(pattern, msg.Topic); ok {
			matched = true

			break
		}
	}

	handlers := make([]transport.MessageHandler, 0, len(c.handlers))

	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}

	c.mu.RUnlock()

	if !matched {
		return
	}

	delivered := transport.Message{Topic: msg.Topic, Payload: msg.Payload, Retain: msg.Retain}

	for _, handler := range handlers {
		handler(delivered)
	}
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) Subscribe(ctx context.Context, topic string, options transport.SubscribeOptions) ([]transport.Grant, error) {
	c.mu.Lock()
	c.subscriptions[topic] = true
	handlers := make([]transport.MessageHandler, 0, len(c.handlers))

	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}

	c.mu.Unlock()

	if options.RAP {
		retained, err := c.redis.HGetAll(ctx, retainedHashKey).Result()

		if err != nil {
			return nil, err
		}

		for retainedTopic, payload := range retained {
			if _, ok := path.MatchTopics(topic, retainedTopic); !ok {
				continue
			}

			message := transport.Message{Topic: retainedTopic, Payload: []byte(payload), Retain: true}

			for _, handler := range handlers {
				handler(message)
			}
		}
	}

	return []transport.Grant{{Topic: topic, QoS: options.QoS}}, nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, options transport.PublishOptions) error {
	if options.Retain {
		if len(payload) == 0 {
			if err := c.redis.HDel(ctx, retainedHashKey, topic).Err(); err != nil {
				return err
			}
		} else if err := c.redis.HSet(ctx, retainedHashKey, topic, payload).Err(); err != nil {
			return err
		}
	}

	encoded, err := json.Marshal(wireMessage{Topic: topic, Payload: payload, Retain: options.Retain})

	if err != nil {
		return err
	}

	return c.redis.Publish(ctx, broadcastChannel, encoded).Err()
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()

	return nil
}

func (c *Client) OnMessage(handler transport.MessageHandler) (unsubscribe func()) {
	id := c.nextID.Add(1)

	c.mu.Lock()
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close stops delivering messages and releases the Redis subscription.
// The underlying redis.Client is not closed, whether it was passed to
// NewFrom or created by New.
func (c *Client) Close() error {
	c.cancel()

	return c.pubsub.Close()
}
