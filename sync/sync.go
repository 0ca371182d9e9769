// Package sync implements the MQTT-backed hierarchical state-sync
// core: it classifies inbound broker messages, keeps a DataCache in
// sync with published and subscribed selectors, reconciles retained
// state across atomic/flat publish-mode transitions, and exposes RPC
// and migration on top of the same broker connection.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/studiolambda/cosmos/sync/cache"
	"github.com/studiolambda/cosmos/sync/migrate"
	"github.com/studiolambda/cosmos/sync/queue"
	"github.com/studiolambda/cosmos/sync/rpc"
	"github.com/studiolambda/cosmos/sync/transport"
)

const sentinelSegment = "$_"

type publishedEntry struct {
	atomic      bool
	unsubscribe cache.UnsubscribeFunc

	// brokerSelector is the selector this entry subscribed at the
	// broker for, non-empty only in flat mode (atomic mode never
	// subscribes). Torn down whenever the entry is replaced.
	brokerSelector string
}

// Sync is the MQTT state-sync core. It composes a DataCache, a
// publication queue, an RPC manager, and the external transport.Client
// into the single dispatcher described by the inbound classification
// cascade.
//
// It is safe for concurrent use.
type Sync struct {
	client transport.Client
	logger *slog.Logger

	data   *cache.Cache
	mirror *cache.Cache
	queue  *queue.Queue
	rpc    *rpc.Manager
	hooks  *hookManager

	ignoreRetain bool
	sliceTopic   int

	onChange           func(map[string]any)
	onReady            func()
	onHeartbeatGranted func()

	mu              sync.Mutex
	subscribedPaths map[string]bool
	publishedPaths  map[string]*publishedEntry
	receivedTopics  map[string]bool

	heartbeatCount       int
	heartbeatWaitersOnce []func()
	readyFired           bool
}

// New constructs a Sync, subscribes to the heartbeat topic, and begins
// dispatching inbound messages from options.Client.
func New(options Options) *Sync {
	logger := options.Logger

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	data := options.Cache

	if data == nil {
		data = cache.New(cache.Options{Logger: logger})
	}

	s := &Sync{
		client:             options.Client,
		logger:             logger,
		data:               data,
		mirror:             cache.New(cache.Options{Logger: logger}),
		hooks:              newHookManager(),
		ignoreRetain:       options.IgnoreRetain,
		sliceTopic:         options.SliceTopic,
		onChange:           options.OnChange,
		onReady:            options.OnReady,
		onHeartbeatGranted: options.OnHeartbeatGranted,
		subscribedPaths:    make(map[string]bool),
		publishedPaths:     make(map[string]*publishedEntry),
		receivedTopics:     make(map[string]bool),
	}

	s.queue = queue.New(queue.Options{
		Logger:    logger,
		Publish:   s.deliverToBroker,
		Connected: options.Client.Connected,
		Mirror:    s.mirror,
	})

	if options.Throttle > 0 {
		s.queue.SetThrottle(options.Throttle)
	}

	s.rpc = rpc.New(rpc.Options{Client: options.Client, Logger: logger})

	s.client.OnMessage(s.handleMessage)

	grants, err := s.client.Subscribe(context.Background(), heartbeatTopic, transport.SubscribeOptions{RAP: true})

	if err != nil {
		logger.Warn("sync: heartbeat subscribe failed", "error", err)
	} else {
		denied := false

		for _, grant := range grants {
			if grant.Denied() {
				denied = true
			}
		}

		if !denied && s.onHeartbeatGranted != nil {
			s.onHeartbeatGranted()
		}
	}

	s.scheduleReady(options.Migrate)

	return s
}

// Cache returns the DataCache this Sync keeps up to date.
func (s *Sync) Cache() *cache.Cache {
	return s.data
}

// Register delegates to the embedded RPC manager: command's request
// topic is subscribed, and every inbound request is answered with
// handler's result.
func (s *Sync) Register(command string, handler rpc.Handler) error {
	return s.rpc.Register(command, handler)
}

// Call delegates to the embedded RPC manager.
func (s *Sync) Call(command string, args any, cb rpc.ResultFunc) error {
	return s.rpc.Call(command, args, cb)
}

// CallFuture delegates to the embedded RPC manager.
func (s *Sync) CallFuture(command string, args any) (*rpc.Future, error) {
	return s.rpc.CallFuture(command, args)
}

// OnBeforeDisconnect registers callbacks invoked, in registration
// order, every time BeforeDisconnect is called.
func (s *Sync) OnBeforeDisconnect(callbacks ...BeforeDisconnectFunc) {
	s.hooks.BeforeDisconnect(callbacks...)
}

// BeforeDisconnect runs every registered hook synchronously, in
// registration order. Callers disconnecting the underlying transport
// should call this first.
func (s *Sync) BeforeDisconnect() {
	for _, hook := range s.hooks.beforeDisconnectFuncs() {
		hook()
	}
}

// WaitForHeartbeatOnce registers fn to run once, on the next heartbeat
// tick after the current one. Registration is deferred by one tick:
// a waiter registered from inside a firing waiter runs on the tick
// after that, not the current one.
func (s *Sync) WaitForHeartbeatOnce(fn func()) {
	s.mu.Lock()
	s.heartbeatWaitersOnce = append(s.heartbeatWaitersOnce, fn)
	s.mu.Unlock()
}

func (s *Sync) scheduleReady(items []migrate.Item) {
	if len(items) == 0 {
		s.WaitForHeartbeatOnce(func() {
			s.WaitForHeartbeatOnce(s.fireReady)
		})

		return
	}

	go migrate.Run(s, items, func() {
		s.WaitForHeartbeatOnce(s.fireReady)
	})
}

func (s *Sync) fireReady() {
	s.mu.Lock()

	if s.readyFired {
		s.mu.Unlock()

		return
	}

	s.readyFired = true
	s.mu.Unlock()

	if s.onReady != nil {
		s.onReady()
	}
}

func (s *Sync) handleHeartbeat() {
	s.mu.Lock()
	s.heartbeatCount++
	count := s.heartbeatCount

	var waiters []func()

	if count > 1 {
		waiters = s.heartbeatWaitersOnce
		s.heartbeatWaitersOnce = nil
	}

	s.mu.Unlock()

	for _, waiter := range waiters {
		waiter()
	}
}

func (s *Sync) handleMessage(msg transport.Message) {
	if msg.Topic == heartbeatTopic {
		s.handleHeartbeat()

		return
	}

	s.mu.Lock()
	s.receivedTopics[msg.Topic] = true
	s.mu.Unlock()

	logicalPath := sliceTopic(msg.Topic, s.sliceTopic)

	if !msg.Retain && !s.ignoreRetain {
		return
	}

	value, skip := decodePayload(msg.Payload, s.logger)

	if skip {
		return
	}

	s.mu.Lock()
	_, publishedMatch := s.matchNonAtomicPublished(logicalPath)
	_, subscribedMatch := s.matchSubscribed(logicalPath)
	s.mu.Unlock()

	if publishedMatch {
		mirrorPath := append(append([]string(nil), logicalPath...), sentinelSegment)
		s.mirror.Update(mirrorPath, value, nil)
		s.data.Update(logicalPath, value, cache.Tags{"external": true})

		return
	}

	if subscribedMatch {
		changes := s.data.Update(logicalPath, value, cache.Tags{"external": true})

		if len(changes) > 0 && s.onChange != nil {
			s.onChange(changes)
		}
	}
}

func (s *Sync) matchNonAtomicPublished(logicalPath []string) (string, bool) {
	for selector, entry := range s.publishedPaths {
		if entry.atomic {
			continue
		}

		if _, ok := pathMatchSelector(selector, logicalPath); ok {
			return selector, true
		}
	}

	return "", false
}

func (s *Sync) matchSubscribed(logicalPath []string) (string, bool) {
	for selector := range s.subscribedPaths {
		if _, ok := pathMatchSelector(selector, logicalPath); ok {
			return selector, true
		}
	}

	return "", false
}

func decodePayload(payload []byte, logger *slog.Logger) (value any, skip bool) {
	if len(payload) == 0 {
		return nil, false
	}

	if !utf8.Valid(payload) {
		logger.Warn("sync: skipping non-utf8 payload")

		return nil, true
	}

	var decoded any

	if err := json.Unmarshal(payload, &decoded); err != nil {
		logger.Warn("sync: malformed json payload, treating as delete", "error", err)

		return nil, false
	}

	return decoded, false
}

func (s *Sync) deliverToBroker(topic string, value any) error {
	var payload []byte

	if value != nil {
		encoded, err := json.Marshal(value)

		if err != nil {
			return err
		}

		payload = encoded
	}

	return s.client.Publish(context.Background(), topic, payload, transport.PublishOptions{Retain: true})
}

// PublishRaw publishes value directly to the broker as a retained
// message, bypassing the publication queue and published-selector
// bookkeeping. It exists for the migrator, which writes at computed
// topics outside any registered selector.
func (s *Sync) PublishRaw(topic string, value any) error {
	return s.deliverToBroker(topic, value)
}

func errSubscribeDenied(selector string, qos byte) error {
	return fmt.Errorf("sync: subscription to %q denied (qos %d)", selector, qos)
}
