// Package cache implements the in-memory hierarchical document: a
// nested tree of values with topic-scoped subscriptions, wildcard
// matching, and atomic/flat change notification.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/studiolambda/cosmos/sync/path"
)

// Tags is an opaque mapping threaded from a writer to the listeners
// notified by its write. The reserved key "external" marks updates
// that originated from an inbound broker message rather than a local
// write; publisher logic consults it to avoid echoing broker state
// back at the broker.
type Tags map[string]any

// External reports whether tags carry the reserved external marker.
func (t Tags) External() bool {
	if t == nil {
		return false
	}

	external, _ := t["external"].(bool)

	return external
}

// Listener receives the change set produced by a single Update call: a
// single-entry topic→value mapping describing the write as a whole.
type Listener func(changes map[string]any)

// PathListener receives one changed value together with the concrete
// topic it was written at and the bindings captured by the selector's
// named wildcards.
type PathListener func(value any, topic string, bindings map[string]string, tags Tags)

// UnsubscribeFunc removes a previously registered listener. Calling it
// more than once is a no-op.
type UnsubscribeFunc func()

type pathSubscription struct {
	selector []string
	cb       PathListener
}

type listenerEntry struct {
	id uint64
	cb Listener
}

type pathSubEntry struct {
	id  uint64
	sub *pathSubscription
}

// Options configures a Cache. The zero value is usable: New fills in
// any field left unset.
type Options struct {
	// Logger receives diagnostic messages. A nil Logger is replaced
	// with one that discards everything.
	Logger *slog.Logger
}

// DefaultOptions returns Options with every field set to its default.
func DefaultOptions() Options {
	return Options{Logger: slog.New(slog.DiscardHandler)}
}

// Cache is an in-memory hierarchical document with change notification.
// All exported methods are safe for concurrent use by multiple
// goroutines.
type Cache struct {
	mu   sync.Mutex
	root *node

	logger *slog.Logger
	nextID atomic.Uint64

	// atomicListeners, atomicPaths, and flatPaths are insertion-ordered:
	// fan-out within each set must happen in registration order, which
	// a map's randomized iteration order cannot guarantee.
	atomicListeners []listenerEntry
	atomicPaths     []pathSubEntry
	flatPaths       []pathSubEntry
}

// New constructs an empty Cache.
func New(options Options) *Cache {
	logger := options.Logger

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Cache{
		root:   newInteriorNode(),
		logger: logger,
	}
}

// Update writes value at path, returning the fully flattened change
// set. A nil value unsets whatever is at path (equivalent to deleting
// it) and prunes any ancestor left empty. Writing a value
// shallow-equal to the current leaf at path is a no-op: it returns an
// empty change set without notifying any listener.
//
// Listeners fire in two ordered sets: atomic listeners (registered via
// Subscribe or SubscribePath) first, each receiving the single
// {topic: value} entry describing this write as a whole; then flat
// listeners (SubscribePathFlat), each receiving every flattened leaf
// under the written path, whether or not that leaf's value differs
// from before.
func (c *Cache) Update(segments []string, value any, tags Tags) map[string]any {
	c.mu.Lock()

	existing := c.root.walk(segments)

	if existing == nil && value == nil {
		c.mu.Unlock()

		return map[string]any{}
	}

	if value != nil && existing != nil && existing.isLeaf && shallowEqual(existing.leaf, value) {
		c.mu.Unlock()

		return map[string]any{}
	}

	var changes map[string]any

	if value == nil {
		changes = flattenNode(existing, segments)

		for topic := range changes {
			changes[topic] = nil
		}

		c.root.unset(segments)
		c.root.prune(segments)
	} else {
		c.root.set(segments, cloneValue(value))
		changes = flattenNode(c.root.walk(segments), segments)
	}

	for topic, leaf := range changes {
		changes[topic] = cloneValue(leaf)
	}

	atomicListeners := make([]Listener, 0, len(c.atomicListeners))

	for _, entry := range c.atomicListeners {
		atomicListeners = append(atomicListeners, entry.cb)
	}

	atomicPaths := make([]*pathSubscription, 0, len(c.atomicPaths))

	for _, entry := range c.atomicPaths {
		atomicPaths = append(atomicPaths, entry.sub)
	}

	flatPaths := make([]*pathSubscription, 0, len(c.flatPaths))

	for _, entry := range c.flatPaths {
		flatPaths = append(flatPaths, entry.sub)
	}

	c.mu.Unlock()

	topic := path.PathToTopic(segments)
	notified := cloneValue(value)
	single := map[string]any{topic: notified}

	for _, listener := range atomicListeners {
		listener(single)
	}

	for _, sub := range atomicPaths {
		if bindings, ok := path.Match(sub.selector, segments); ok {
			sub.cb(notified, topic, bindings, tags)
		}
	}

	for _, sub := range flatPaths {
		for leafTopic, leafValue := range changes {
			leafPath := path.TopicToPath(leafTopic)

			if bindings, ok := path.Match(sub.selector, leafPath); ok {
				sub.cb(leafValue, leafTopic, bindings, tags)
			}
		}
	}

	return changes
}

// UpdateTopic is Update against a wire-form topic instead of a path.
func (c *Cache) UpdateTopic(topic string, value any, tags Tags) map[string]any {
	return c.Update(path.TopicToPath(topic), value, tags)
}

// Subscribe registers a listener invoked after every Update, atomic set
// before flat (see Update). It returns a function that removes it.
func (c *Cache) Subscribe(cb Listener) UnsubscribeFunc {
	id := c.nextID.Add(1)

	c.mu.Lock()
	c.atomicListeners = append(c.atomicListeners, listenerEntry{id: id, cb: cb})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()

		for i, entry := range c.atomicListeners {
			if entry.id == id {
				c.atomicListeners = append(c.atomicListeners[:i:i], c.atomicListeners[i+1:]...)

				break
			}
		}

		c.mu.Unlock()
	}
}

// SubscribePath registers an atomic, selector-scoped listener: cb fires
// once per Update whose written path matches selector, receiving the
// raw written value (possibly a subdocument).
func (c *Cache) SubscribePath(selector string, cb PathListener) UnsubscribeFunc {
	return c.subscribePath(selector, cb, false)
}

// SubscribePathFlat registers a flat, selector-scoped listener: cb
// fires once per leaf under the written path that matches selector.
func (c *Cache) SubscribePathFlat(selector string, cb PathListener) UnsubscribeFunc {
	return c.subscribePath(selector, cb, true)
}

func (c *Cache) subscribePath(selector string, cb PathListener, flat bool) UnsubscribeFunc {
	id := c.nextID.Add(1)
	sub := &pathSubscription{selector: path.TopicToPath(path.NormalizeSelector(selector)), cb: cb}
	entry := pathSubEntry{id: id, sub: sub}

	c.mu.Lock()

	if flat {
		c.flatPaths = append(c.flatPaths, entry)
	} else {
		c.atomicPaths = append(c.atomicPaths, entry)
	}

	c.mu.Unlock()

	return func() {
		c.mu.Lock()

		if flat {
			for i, e := range c.flatPaths {
				if e.id == id {
					c.flatPaths = append(c.flatPaths[:i:i], c.flatPaths[i+1:]...)

					break
				}
			}
		} else {
			for i, e := range c.atomicPaths {
				if e.id == id {
					c.atomicPaths = append(c.atomicPaths[:i:i], c.atomicPaths[i+1:]...)

					break
				}
			}
		}

		c.mu.Unlock()
	}
}

// Get returns a deep clone of the value at path, and false if nothing
// is stored there.
func (c *Cache) Get(segments []string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.root.walk(segments)

	if n == nil {
		return nil, false
	}

	return n.clone().value(), true
}

// GetByTopic is Get against a wire-form topic.
func (c *Cache) GetByTopic(topic string) (any, bool) {
	return c.Get(path.TopicToPath(topic))
}

// shallowEqual reports whether a and b are equal leaf values. Maps and
// slices are never considered equal, even when structurally identical,
// matching the "shallow equality on leaves" invariant: only scalar
// leaves suppress no-op writes.
func shallowEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}

	switch b.(type) {
	case map[string]any, []any:
		return false
	}

	defer func() { recover() }()

	return a == b
}
