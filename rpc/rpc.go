// Package rpc implements request/response RPC over ordinary broker
// topics: a command C has its request at C/request and its response at
// C/response/<id>, correlated by a random id, both delivered at QoS 2
// with retain false.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/studiolambda/cosmos/sync/transport"
)

const (
	requestSuffix  = "/request"
	responsePrefix = "/response/"
	rpcQoS         = 2
)

// Handler answers an RPC request with a result, or an error. On an
// error return, as on a panic, the error is logged, no response is
// published, and the caller's Call never completes.
type Handler func(args any) (any, error)

// ResultFunc receives the outcome of a Call.
type ResultFunc func(result any, err error)

type request struct {
	ID   string `json:"id"`
	Args any    `json:"args"`
}

type response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
}

// Options configures a Manager. Client is required.
type Options struct {
	Client transport.Client
	Logger *slog.Logger
}

// DefaultOptions returns Options with every optional field set to its
// default. Client is left nil and must still be set.
func DefaultOptions() Options {
	return Options{Logger: slog.New(slog.DiscardHandler)}
}

// Manager registers RPC handlers and issues RPC calls.
//
// It is safe for concurrent use.
type Manager struct {
	client transport.Client
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	callbacks map[string]ResultFunc
}

// New constructs a Manager and begins listening for inbound messages
// on options.Client.
func New(options Options) *Manager {
	logger := options.Logger

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	manager := &Manager{
		client:    options.Client,
		logger:    logger,
		handlers:  make(map[string]Handler),
		callbacks: make(map[string]ResultFunc),
	}

	manager.client.OnMessage(manager.route)

	return manager
}

// Register subscribes to command's request topic and answers every
// inbound request with handler's result.
func (m *Manager) Register(command string, handler Handler) error {
	if _, err := m.client.Subscribe(context.Background(), command+requestSuffix, transport.SubscribeOptions{QoS: rpcQoS}); err != nil {
		return err
	}

	m.mu.Lock()
	m.handlers[command] = handler
	m.mu.Unlock()

	return nil
}

// Call issues an RPC request and invokes cb when the response arrives.
// Each call gets a fresh correlation id; the response subscription is
// removed when the response arrives, just before cb runs.
func (m *Manager) Call(command string, args any, cb ResultFunc) error {
	id := newCorrelationID()
	responseTopic := command + responsePrefix + id
	key := callbackKey(command, id)

	m.mu.Lock()
	m.callbacks[key] = func(result any, err error) {
		_ = m.client.Unsubscribe(context.Background(), responseTopic)
		cb(result, err)
	}
	m.mu.Unlock()

	if _, err := m.client.Subscribe(context.Background(), responseTopic, transport.SubscribeOptions{QoS: rpcQoS}); err != nil {
		m.mu.Lock()
		delete(m.callbacks, key)
		m.mu.Unlock()

		return err
	}

	encoded, err := json.Marshal(request{ID: id, Args: args})

	if err != nil {
		return err
	}

	return m.client.Publish(context.Background(), command+requestSuffix, encoded, transport.PublishOptions{QoS: rpcQoS})
}

// CallFuture is Call without a callback: it returns a Future resolved
// once the response arrives. There is no timeout — a lost response
// leaves the Future unresolved forever unless the caller cancels the
// context passed to Future.Wait.
func (m *Manager) CallFuture(command string, args any) (*Future, error) {
	future := newFuture()

	if err := m.Call(command, args, future.complete); err != nil {
		return nil, err
	}

	return future, nil
}

func (m *Manager) route(msg transport.Message) {
	if strings.HasSuffix(msg.Topic, requestSuffix) {
		command := strings.TrimSuffix(msg.Topic, requestSuffix)

		m.mu.Lock()
		handler, ok := m.handlers[command]
		m.mu.Unlock()

		if ok {
			m.handleRequest(command, handler, msg.Payload)
		}

		return
	}

	index := strings.Index(msg.Topic, responsePrefix)

	if index < 0 {
		return
	}

	command := msg.Topic[:index]
	id := msg.Topic[index+len(responsePrefix):]

	m.mu.Lock()
	cb, ok := m.callbacks[callbackKey(command, id)]

	if ok {
		delete(m.callbacks, callbackKey(command, id))
	}

	m.mu.Unlock()

	if ok {
		m.handleResponse(cb, msg.Payload)
	}
}

func (m *Manager) handleRequest(command string, handler Handler, payload []byte) {
	var req request

	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("rpc: malformed request payload", "command", command, "error", err)

		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Warn("rpc: handler panicked, no response sent", "command", command, "panic", r)
			}
		}()

		result, err := handler(req.Args)

		if err != nil {
			m.logger.Warn("rpc: handler returned an error, no response sent", "command", command, "error", err)

			return
		}

		encoded, err := json.Marshal(response{ID: req.ID, Result: result})

		if err != nil {
			m.logger.Warn("rpc: failed to encode response", "command", command, "error", err)

			return
		}

		topic := command + responsePrefix + req.ID

		if err := m.client.Publish(context.Background(), topic, encoded, transport.PublishOptions{QoS: rpcQoS}); err != nil {
			m.logger.Warn("rpc: failed to publish response", "command", command, "error", err)
		}
	}()
}

func (m *Manager) handleResponse(cb ResultFunc, payload []byte) {
	var resp response

	if err := json.Unmarshal(payload, &resp); err != nil {
		cb(nil, err)

		return
	}

	cb(resp.Result, nil)
}

func callbackKey(command, id string) string {
	return command + "\x00" + id
}

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// newCorrelationID returns a random 6-byte, base-36-alphabet string.
func newCorrelationID() string {
	var raw [6]byte

	_, _ = rand.Read(raw[:])

	id := make([]byte, len(raw))

	for i, b := range raw {
		id[i] = base36Digits[int(b)%len(base36Digits)]
	}

	return string(id)
}
