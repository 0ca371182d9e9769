package sync

import (
	"context"
	"strings"
	"sync"

	"github.com/studiolambda/cosmos/sync/cache"
	"github.com/studiolambda/cosmos/sync/path"
	"github.com/studiolambda/cosmos/sync/transport"
)

// Subscribe registers selector with the broker (normalized to end in
// "/#", deduplicated against prior subscriptions) with RAP semantics,
// and reports the outcome to cb: nil on grant, the denial error on a
// QoS >= transport.DeniedQoS grant.
func (s *Sync) Subscribe(selector string, cb func(error)) error {
	normalized := path.NormalizeSelector(selector)

	s.mu.Lock()
	if s.subscribedPaths[normalized] {
		s.mu.Unlock()

		if cb != nil {
			cb(nil)
		}

		return nil
	}

	// Recorded before the broker call: with RAP, retained messages can
	// arrive before Subscribe returns, and handleMessage only applies
	// them to a registered selector.
	s.subscribedPaths[normalized] = true
	s.mu.Unlock()

	grants, err := s.client.Subscribe(context.Background(), normalized, transport.SubscribeOptions{RAP: true})

	if err != nil {
		s.mu.Lock()
		delete(s.subscribedPaths, normalized)
		s.mu.Unlock()

		if cb != nil {
			cb(err)
		}

		return err
	}

	for _, grant := range grants {
		if grant.Denied() {
			denialErr := errSubscribeDenied(normalized, grant.QoS)

			s.mu.Lock()
			delete(s.subscribedPaths, normalized)
			s.mu.Unlock()

			if cb != nil {
				cb(denialErr)
			}

			return denialErr
		}
	}

	if cb != nil {
		cb(nil)
	}

	return nil
}

// Unsubscribe removes selector from both the local registry and the
// broker.
func (s *Sync) Unsubscribe(selector string) error {
	normalized := path.NormalizeSelector(selector)

	s.mu.Lock()
	delete(s.subscribedPaths, normalized)
	s.mu.Unlock()

	return s.client.Unsubscribe(context.Background(), normalized)
}

// Publish registers selector as a published path: every local
// (non-external) DataCache write under it is mirrored to the broker as
// a retained publish, through the publication queue. It returns false
// without effect if selector is already registered with identical
// options.
func (s *Sync) Publish(selector string, options PublishOptions) (bool, error) {
	normalized := path.NormalizeSelector(selector)
	selectorPath := path.TopicToPath(normalized)
	groundedLen := len(selectorPath) - 1

	s.mu.Lock()
	existing, alreadyRegistered := s.publishedPaths[normalized]

	if alreadyRegistered && existing.atomic == options.Atomic {
		s.mu.Unlock()

		return false, nil
	}
	s.mu.Unlock()

	if alreadyRegistered {
		existing.unsubscribe()

		if existing.brokerSelector != "" {
			_ = s.client.Unsubscribe(context.Background(), existing.brokerSelector)
		}
	}

	var unsubscribeCache cache.UnsubscribeFunc
	brokerSelector := ""

	if options.Atomic {
		unsubscribeCache = s.data.SubscribePath(normalized, func(value any, topic string, bindings map[string]string, tags cache.Tags) {
			if tags.External() {
				return
			}

			groundedTopic := path.PathToTopic(truncatePath(path.TopicToPath(topic), groundedLen))

			s.reconcileFlatToAtomic(groundedTopic)

			atomicValue, _ := s.data.GetByTopic(groundedTopic)
			s.queue.Enqueue(groundedTopic, atomicValue)
		})
	} else {
		if _, err := s.client.Subscribe(context.Background(), normalized, transport.SubscribeOptions{RAP: true}); err != nil {
			return false, err
		}

		brokerSelector = normalized

		unsubscribeCache = s.data.SubscribePathFlat(normalized, func(value any, topic string, bindings map[string]string, tags cache.Tags) {
			if tags.External() {
				return
			}

			s.reconcileAtomicToFlat(topic)

			s.queue.Enqueue(topic, value)
		})
	}

	s.mu.Lock()
	s.publishedPaths[normalized] = &publishedEntry{
		atomic:         options.Atomic,
		unsubscribe:    unsubscribeCache,
		brokerSelector: brokerSelector,
	}
	s.mu.Unlock()

	return true, nil
}

func truncatePath(p []string, n int) []string {
	if n < 0 || n >= len(p) {
		return p
	}

	return p[:n]
}

// reconcileFlatToAtomic clears every finer-grained retained leaf the
// broker still holds under groundedTopic before the new, coarser
// atomic value is enqueued there.
func (s *Sync) reconcileFlatToAtomic(groundedTopic string) {
	groundedPath := path.TopicToPath(groundedTopic)

	filtered, ok := s.mirror.Filter(append(append([]string(nil), groundedPath...), "#"))

	if !ok {
		return
	}

	sentinelSuffix := "/" + sentinelSegment

	for topic := range cache.ToFlatObject(filtered) {
		if !strings.HasSuffix(topic, sentinelSuffix) {
			continue
		}

		realTopic := strings.TrimSuffix(topic, sentinelSuffix)

		if realTopic == groundedTopic {
			continue
		}

		s.queue.Enqueue(realTopic, nil)
	}
}

// reconcileAtomicToFlat, before a new flat leaf write at leafTopic, finds
// the nearest ancestor still holding an atomic subdocument and reifies
// it: clears the ancestor's retained value, then republishes each of
// its leaves individually.
func (s *Sync) reconcileAtomicToFlat(leafTopic string) {
	leafPath := path.TopicToPath(leafTopic)

	for i := len(leafPath) - 1; i >= 1; i-- {
		ancestorPath := leafPath[:i]
		mirrorPath := append(append([]string(nil), ancestorPath...), sentinelSegment)

		value, ok := s.mirror.Get(mirrorPath)

		if !ok {
			continue
		}

		object, isObject := value.(map[string]any)

		if !isObject {
			continue
		}

		ancestorTopic := path.PathToTopic(ancestorPath)
		s.queue.Enqueue(ancestorTopic, nil)

		for childTopic, childValue := range cache.ToFlatObject(object) {
			s.queue.Enqueue(ancestorTopic+childTopic, childValue)
		}

		return
	}
}

// Clear publishes a zero-length retained payload to every topic
// currently matching any of prefixes: already-known topics plus any
// that arrive during one heartbeat's worth of listening. cb receives
// the number of topics cleared.
func (s *Sync) Clear(prefixes []string, cb func(count int)) error {
	return s.clear(prefixes, cb, nil)
}

// ClearFiltered is Clear restricted to topics for which filter returns
// true.
func (s *Sync) ClearFiltered(prefixes []string, cb func(count int), filter func(topic string) bool) error {
	return s.clear(prefixes, cb, filter)
}

func (s *Sync) clear(prefixes []string, cb func(int), filter func(string) bool) error {
	toDelete := make(map[string]bool)
	var mu sync.Mutex

	selectorPaths := make([][]string, len(prefixes))

	for i, prefix := range prefixes {
		normalized := path.NormalizeSelector(prefix)
		selectorPaths[i] = path.TopicToPath(normalized)

		s.mu.Lock()
		for topic := range s.receivedTopics {
			if _, ok := path.Match(selectorPaths[i], path.TopicToPath(topic)); ok && (filter == nil || filter(topic)) {
				toDelete[topic] = true
			}
		}
		s.mu.Unlock()

		if _, err := s.client.Subscribe(context.Background(), normalized, transport.SubscribeOptions{RAP: true}); err != nil {
			return err
		}
	}

	unsubscribeListener := s.client.OnMessage(func(msg transport.Message) {
		for _, selectorPath := range selectorPaths {
			if _, ok := path.Match(selectorPath, path.TopicToPath(msg.Topic)); ok {
				if filter == nil || filter(msg.Topic) {
					mu.Lock()
					toDelete[msg.Topic] = true
					mu.Unlock()
				}

				break
			}
		}
	})

	done := make(chan struct{})
	s.WaitForHeartbeatOnce(func() { close(done) })
	<-done

	unsubscribeListener()

	for _, prefix := range prefixes {
		_ = s.client.Unsubscribe(context.Background(), path.NormalizeSelector(prefix))
	}

	mu.Lock()
	topics := make([]string, 0, len(toDelete))
	for topic := range toDelete {
		topics = append(topics, topic)
	}
	mu.Unlock()

	count := 0

	for _, topic := range topics {
		if err := s.client.Publish(context.Background(), topic, nil, transport.PublishOptions{Retain: true}); err == nil {
			count++
		}
	}

	if cb != nil {
		cb(count)
	}

	return nil
}
