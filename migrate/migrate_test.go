package migrate_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studiolambda/cosmos/sync/cache"
	"github.com/studiolambda/cosmos/sync/migrate"
	"github.com/studiolambda/cosmos/sync/path"
	"github.com/studiolambda/cosmos/sync/transport"
)

// fakeCore is a minimal migrate.Core backed directly by a cache and a
// transport.Client, standing in for a full sync.Sync in these tests.
type fakeCore struct {
	client transport.Client
	cache  *cache.Cache
}

func newFakeCore(client transport.Client) *fakeCore {
	core := &fakeCore{client: client, cache: cache.New(cache.DefaultOptions())}

	client.OnMessage(func(msg transport.Message) {
		if !msg.Retain {
			return
		}

		var value any

		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &value); err != nil {
				return
			}
		}

		core.cache.UpdateTopic(msg.Topic, value, cache.Tags{"external": true})
	})

	return core
}

func (f *fakeCore) Subscribe(selector string, cb func(error)) error {
	_, err := f.client.Subscribe(context.Background(), path.NormalizeSelector(selector), transport.SubscribeOptions{RAP: true})

	if cb != nil {
		cb(err)
	}

	return err
}

func (f *fakeCore) Unsubscribe(selector string) error {
	return f.client.Unsubscribe(context.Background(), path.NormalizeSelector(selector))
}

func (f *fakeCore) WaitForHeartbeatOnce(fn func()) {
	fn()
}

func (f *fakeCore) Cache() *cache.Cache {
	return f.cache
}

func (f *fakeCore) Clear(prefixes []string, cb func(int)) error {
	count := 0

	for _, prefix := range prefixes {
		if err := f.client.Publish(context.Background(), prefix, nil, transport.PublishOptions{Retain: true}); err == nil {
			count++
		}
	}

	if cb != nil {
		cb(count)
	}

	return nil
}

func (f *fakeCore) PublishRaw(topic string, value any) error {
	var payload []byte

	if value != nil {
		encoded, err := json.Marshal(value)

		if err != nil {
			return err
		}

		payload = encoded
	}

	if err := f.client.Publish(context.Background(), topic, payload, transport.PublishOptions{Retain: true}); err != nil {
		return err
	}

	f.cache.UpdateTopic(topic, value, nil)

	return nil
}

func seedRetained(t *testing.T, client transport.Client, topic string, value any) {
	t.Helper()

	encoded, err := json.Marshal(value)
	require.NoError(t, err)

	require.NoError(t, client.Publish(context.Background(), topic, encoded, transport.PublishOptions{Retain: true}))
}

func TestMigrationMergesAscendingVersionsAndClearsOld(t *testing.T) {
	broker := transport.NewBroker()
	publisher := broker.NewClient()

	seedRetained(t, publisher, "/org/dev/@s/cap/1.0.0/x", map[string]any{"a": float64(1)})
	seedRetained(t, publisher, "/org/dev/@s/cap/1.1.0/x", map[string]any{"b": float64(2)})

	core := newFakeCore(broker.NewClient())

	cleared := make([]string, 0)

	_, err := publisher.Subscribe(context.Background(), "/org/dev/@s/cap/#", transport.SubscribeOptions{})
	require.NoError(t, err)

	unsubscribe := publisher.OnMessage(func(msg transport.Message) {
		if len(msg.Payload) == 0 {
			cleared = append(cleared, msg.Topic)
		}
	})
	defer unsubscribe()

	done := make(chan struct{})

	migrate.Run(core, []migrate.Item{
		{Topic: "/org/dev/@s/cap/+/x", NewVersion: "1.2.0"},
	}, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("migration did not complete")
	}

	merged, ok := core.Cache().GetByTopic("/org/dev/@s/cap/1.2.0/x")
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, merged)

	require.ElementsMatch(t, []string{"/org/dev/@s/cap/1.0.0/x", "/org/dev/@s/cap/1.1.0/x"}, cleared)
}

func TestMigrationWithEmptyItemsCompletesImmediately(t *testing.T) {
	broker := transport.NewBroker()
	core := newFakeCore(broker.NewClient())

	called := false
	migrate.Run(core, nil, func() { called = true })

	require.True(t, called)
}

func TestMigrationAppliesTransform(t *testing.T) {
	broker := transport.NewBroker()
	publisher := broker.NewClient()

	seedRetained(t, publisher, "/org/dev/@s/cap/1.0.0/x", map[string]any{"a": float64(1)})

	core := newFakeCore(broker.NewClient())

	done := make(chan struct{})

	migrate.Run(core, []migrate.Item{
		{
			Topic:      "/org/dev/@s/cap/+/x",
			NewVersion: "2.0.0",
			Transform: func(merged any) any {
				object := merged.(map[string]any)
				object["migrated"] = true

				return object
			},
		},
	}, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("migration did not complete")
	}

	merged, ok := core.Cache().GetByTopic("/org/dev/@s/cap/2.0.0/x")
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": float64(1), "migrated": true}, merged)
}
