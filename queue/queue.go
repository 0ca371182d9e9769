// Package queue implements the publication queue: an ordered,
// per-topic deduplicated queue that serializes outbound retained
// publishes to a broker, with optional throttling and an optimistic
// mirror of what has been sent.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/studiolambda/cosmos/sync/cache"
	"github.com/studiolambda/cosmos/sync/path"
)

const (
	disconnectRetryDelay = 5 * time.Second
	sentinelSegment      = "$_"
)

// PublishFunc delivers a single retained publish to the broker. A nil
// value means "clear retained".
type PublishFunc func(topic string, value any) error

// Options configures a Queue.
type Options struct {
	// Logger receives diagnostic messages. A nil Logger is replaced
	// with one that discards everything.
	Logger *slog.Logger

	// Publish delivers one queue entry to the broker. Required.
	Publish PublishFunc

	// Connected reports whether the broker connection is currently
	// usable. A nil Connected is treated as always connected.
	Connected func() bool

	// Mirror, if set, receives an optimistic write at
	// [...path(topic), "$_"] every time a topic is enqueued, so that
	// same-tick reconciliation decisions see the pending intent
	// rather than stale state.
	Mirror *cache.Cache
}

// DefaultOptions returns Options with every optional field set to its
// default. Publish is left nil and must still be set.
func DefaultOptions() Options {
	return Options{Logger: slog.New(slog.DiscardHandler)}
}

// Queue is an ordered, per-topic deduplicated outbound publish queue.
type Queue struct {
	mu      sync.Mutex
	order   []string
	pending map[string]any
	version map[string]uint64

	sem *semaphore.Weighted

	publish   PublishFunc
	connected func() bool
	mirror    *cache.Cache
	logger    *slog.Logger

	throttle        time.Duration
	throttleTimer   *time.Timer
	throttlePending bool
}

// New constructs a Queue. Publish must be set on options.
func New(options Options) *Queue {
	logger := options.Logger

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Queue{
		pending:   make(map[string]any),
		version:   make(map[string]uint64),
		sem:       semaphore.NewWeighted(1),
		publish:   options.Publish,
		connected: options.Connected,
		mirror:    options.Mirror,
		logger:    logger,
	}
}

// Enqueue schedules value to be published at topic. Re-enqueuing a
// topic already pending replaces its value without changing its
// position relative to other pending topics. A nil value means
// "publish a zero-length payload to clear the retained message".
func (q *Queue) Enqueue(topic string, value any) {
	q.mu.Lock()

	if _, exists := q.pending[topic]; !exists {
		q.order = append(q.order, topic)
	}

	q.pending[topic] = value
	q.version[topic]++
	q.mu.Unlock()

	if q.mirror != nil {
		mirrorPath := append(path.TopicToPath(topic), sentinelSegment)
		q.mirror.Update(mirrorPath, value, nil)
	}

	q.triggerDrain()
}

// SetThrottle wraps the drain trigger in a leading-and-trailing
// throttle of the given duration: the first enqueue after an idle
// period drains immediately, subsequent enqueues within the window
// coalesce into one trailing drain at the window's end.
func (q *Queue) SetThrottle(d time.Duration) {
	q.mu.Lock()
	q.throttle = d
	q.mu.Unlock()
}

// ClearThrottle restores immediate draining on every enqueue.
func (q *Queue) ClearThrottle() {
	q.mu.Lock()
	q.throttle = 0
	timer := q.throttleTimer
	q.throttleTimer = nil
	q.throttlePending = false
	q.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

// Len reports how many distinct topics are currently pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.order)
}

func (q *Queue) triggerDrain() {
	q.mu.Lock()
	throttle := q.throttle

	if throttle <= 0 {
		q.mu.Unlock()

		go q.drain()

		return
	}

	if q.throttleTimer != nil {
		q.throttlePending = true
		q.mu.Unlock()

		return
	}

	q.mu.Unlock()

	go q.drain()

	q.mu.Lock()
	q.throttleTimer = time.AfterFunc(throttle, q.onThrottleElapsed)
	q.mu.Unlock()
}

func (q *Queue) onThrottleElapsed() {
	q.mu.Lock()
	q.throttleTimer = nil
	trailing := q.throttlePending
	q.throttlePending = false
	q.mu.Unlock()

	if trailing {
		q.triggerDrain()
	}
}

// drain attempts to publish the queue's head entries until the queue
// is empty, the broker is disconnected, or a publish fails. At most
// one drain runs at a time, guarded by sem.
func (q *Queue) drain() {
	if !q.sem.TryAcquire(1) {
		return
	}

	defer q.sem.Release(1)

	for {
		q.mu.Lock()

		if len(q.order) == 0 {
			q.mu.Unlock()

			return
		}

		topic := q.order[0]
		value := q.pending[topic]
		version := q.version[topic]
		q.mu.Unlock()

		if q.connected != nil && !q.connected() {
			q.logger.Warn("queue: broker disconnected, retrying in 5s", "topic", topic)
			time.AfterFunc(disconnectRetryDelay, func() { go q.drain() })

			return
		}

		if err := q.publish(topic, value); err != nil {
			q.logger.Warn("queue: publish failed, retrying in 5s", "topic", topic, "error", err)
			time.AfterFunc(disconnectRetryDelay, func() { go q.drain() })

			return
		}

		q.mu.Lock()
		if q.version[topic] == version {
			delete(q.pending, topic)
			delete(q.version, topic)
			q.order = q.order[1:]
		}
		q.mu.Unlock()
	}
}
