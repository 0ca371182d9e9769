package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// PahoOptions configures a Paho client.
type PahoOptions struct {
	// URLs is the list of broker URLs to connect to, e.g.
	// "mqtt://host:1883" or "mqtts://host:8883" for TLS. Multiple
	// URLs enable automatic failover.
	URLs []string

	Username string
	Password string

	// KeepAlive is the keep-alive interval in seconds.
	// Default: DefaultPahoKeepAlive.
	KeepAlive uint16
}

// DefaultPahoKeepAlive is the keep-alive interval used when
// PahoOptions.KeepAlive is zero.
const DefaultPahoKeepAlive = 30

// Paho implements Client over a real broker connection using the
// Eclipse Paho v5 client with autopaho's automatic reconnection. It
// always connects with a clean session, since the sync core re-derives
// all state from retained messages on every connect.
type Paho struct {
	client *autopaho.ConnectionManager

	mu       sync.RWMutex
	handlers map[uint64]MessageHandler
	nextID   atomic.Uint64
}

// NewPaho connects to the broker(s) described by options and returns a
// ready-to-use Paho client.
func NewPaho(ctx context.Context, options PahoOptions) (*Paho, error) {
	keepAlive := options.KeepAlive

	if keepAlive == 0 {
		keepAlive = DefaultPahoKeepAlive
	}

	urls := make([]*url.URL, len(options.URLs))

	for i, raw := range options.URLs {
		parsed, err := url.Parse(raw)

		if err != nil {
			return nil, fmt.Errorf("transport: invalid broker url %q: %w", raw, err)
		}

		urls[i] = parsed
	}

	client := &Paho{handlers: make(map[uint64]MessageHandler)}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    urls,
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ClientConfig: paho.ClientConfig{
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					client.route(pr.Packet)

					return true, nil
				},
			},
		},
	}

	if options.Username != "" {
		cfg.ConnectUsername = options.Username
		cfg.ConnectPassword = []byte(options.Password)
	}

	cm, err := autopaho.NewConnection(ctx, cfg)

	if err != nil {
		return nil, err
	}

	client.client = cm

	return client, nil
}

// NewPahoFrom adapts an already-configured autopaho.ConnectionManager,
// for callers who need full control over connection setup. The caller
// is responsible for wiring pr.Packet delivery into Route.
func NewPahoFrom(cm *autopaho.ConnectionManager) *Paho {
	return &Paho{client: cm, handlers: make(map[uint64]MessageHandler)}
}

// Route delivers an inbound publish to every registered handler. It is
// exported so callers using NewPahoFrom can wire it into their own
// OnPublishReceived hook.
func (p *Paho) Route(pb *paho.Publish) {
	for _, handler := range p.handlersSnapshot() {
		handler(Message{Topic: pb.Topic, Payload: pb.Payload, Retain: pb.Retain})
	}
}

func (p *Paho) route(pb *paho.Publish) {
	p.Route(pb)
}

func (p *Paho) handlersSnapshot() []MessageHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handlers := make([]MessageHandler, 0, len(p.handlers))

	for _, handler := range p.handlers {
		handlers = append(handlers, handler)
	}

	return handlers
}

func (p *Paho) Connected() bool {
	return p.client.IsConnectionOpen()
}

func (p *Paho) Subscribe(ctx context.Context, topic string, options SubscribeOptions) ([]Grant, error) {
	retainHandling := byte(2)

	if options.RAP {
		retainHandling = 0
	}

	suback, err := p.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{
				Topic:          topic,
				QoS:            options.QoS,
				RetainHandling: retainHandling,
			},
		},
	})

	if err != nil {
		return nil, err
	}

	grants := make([]Grant, len(suback.ReasonCodes))

	for i, code := range suback.ReasonCodes {
		grants[i] = Grant{Topic: topic, QoS: code}
	}

	return grants, nil
}

func (p *Paho) Publish(ctx context.Context, topic string, payload []byte, options PublishOptions) error {
	_, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     options.QoS,
		Retain:  options.Retain,
		Payload: payload,
	})

	return err
}

func (p *Paho) Unsubscribe(ctx context.Context, topic string) error {
	_, err := p.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})

	return err
}

func (p *Paho) OnMessage(handler MessageHandler) (unsubscribe func()) {
	id := p.nextID.Add(1)

	p.mu.Lock()
	p.handlers[id] = handler
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Close gracefully disconnects from the broker.
func (p *Paho) Close() error {
	return p.client.Disconnect(context.Background())
}
