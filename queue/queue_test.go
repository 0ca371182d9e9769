package queue_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/studiolambda/cosmos/sync/queue"
)

type publishCall struct {
	topic string
	value any
}

func TestEnqueueDrainsInInsertionOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []publishCall
	done := make(chan struct{}, 10)

	options := queue.DefaultOptions()
	options.Publish = func(topic string, value any) error {
		mu.Lock()
		calls = append(calls, publishCall{topic, value})
		mu.Unlock()
		done <- struct{}{}

		return nil
	}

	q := queue.New(options)

	q.Enqueue("/a", float64(1))
	q.Enqueue("/b", float64(2))

	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []publishCall{{"/a", float64(1)}, {"/b", float64(2)}}, calls)
}

func TestReenqueueReplacesValueWithoutMovingPosition(t *testing.T) {
	var mu sync.Mutex
	var calls []publishCall
	done := make(chan struct{}, 10)
	release := make(chan struct{})

	options := queue.DefaultOptions()

	options.Publish = func(topic string, value any) error {
		// "/hold" occupies the single drain until release is closed, so
		// every enqueue below lands before the drain reaches "/a".
		if topic == "/hold" {
			<-release

			return nil
		}

		mu.Lock()
		calls = append(calls, publishCall{topic, value})
		mu.Unlock()
		done <- struct{}{}

		return nil
	}

	q := queue.New(options)

	q.Enqueue("/hold", nil)
	q.Enqueue("/a", float64(1))
	q.Enqueue("/b", float64(2))
	q.Enqueue("/a", float64(99))

	close(release)

	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []publishCall{{"/a", float64(99)}, {"/b", float64(2)}}, calls)
}

func TestReenqueueDuringInFlightPublishIsNotLost(t *testing.T) {
	var mu sync.Mutex
	var calls []publishCall
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{}, 10)

	options := queue.DefaultOptions()
	first := true

	options.Publish = func(topic string, value any) error {
		mu.Lock()
		calls = append(calls, publishCall{topic, value})
		mu.Unlock()

		if first && topic == "/a" {
			first = false
			close(started)
			<-release
		}

		done <- struct{}{}

		return nil
	}

	q := queue.New(options)

	q.Enqueue("/a", float64(1))
	<-started

	// Lands while the first publish of "/a" is still in flight.
	q.Enqueue("/a", float64(2))

	close(release)

	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []publishCall{{"/a", float64(1)}, {"/a", float64(2)}}, calls)
}

func TestDisconnectedQueueHoldsEntryWithoutPublishing(t *testing.T) {
	attempts := make(chan struct{}, 5)
	connected := false

	options := queue.DefaultOptions()
	options.Connected = func() bool { return connected }
	options.Publish = func(topic string, value any) error {
		attempts <- struct{}{}

		return nil
	}

	q := queue.New(options)
	q.Enqueue("/a", float64(1))

	select {
	case <-attempts:
		t.Fatal("publish should not be attempted while disconnected")
	case <-time.After(20 * time.Millisecond):
	}

	require.Equal(t, 1, q.Len())
}

func TestPublishErrorLeavesEntryAtHeadOfQueue(t *testing.T) {
	options := queue.DefaultOptions()
	options.Publish = func(topic string, value any) error {
		return errors.New("boom")
	}

	q := queue.New(options)
	q.Enqueue("/a", float64(1))

	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, q.Len())
}
