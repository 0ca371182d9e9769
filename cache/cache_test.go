package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/studiolambda/cosmos/sync/cache"
)

func TestItRoundTripsAWrite(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	c.Update([]string{"a", "b"}, float64(1), nil)

	value, ok := c.Get([]string{"a", "b"})

	require.True(t, ok)
	require.Equal(t, float64(1), value)
}

func TestItPrunesEmptyAncestorsAfterUnset(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	c.Update([]string{"a", "b"}, float64(1), nil)
	c.Update([]string{"a", "b"}, nil, nil)

	_, ok := c.Get([]string{"a"})
	require.False(t, ok)

	_, ok = c.Get([]string{"a", "b"})
	require.False(t, ok)
}

func TestSetNullIsEquivalentToUnset(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	c.Update([]string{"a"}, map[string]any{"b": float64(2)}, nil)
	changes := c.Update([]string{"a"}, nil, nil)

	require.Equal(t, map[string]any{"/a/b": nil}, changes)

	_, ok := c.Get([]string{"a"})
	require.False(t, ok)
}

func TestNoOpWriteSuppressesNotification(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	c.Update([]string{"a"}, "same", nil)

	fired := false
	c.Subscribe(func(changes map[string]any) { fired = true })

	changes := c.Update([]string{"a"}, "same", nil)

	require.Empty(t, changes)
	require.False(t, fired)
}

func TestSubscribePathDeliversBindings(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	var (
		gotValue    any
		gotTopic    string
		gotBindings map[string]string
	)

	c.SubscribePath("/+org/+dev/status", func(value any, topic string, bindings map[string]string, tags cache.Tags) {
		gotValue = value
		gotTopic = topic
		gotBindings = bindings
	})

	c.UpdateTopic("/acme/r1/status", "ok", nil)

	require.Equal(t, "ok", gotValue)
	require.Equal(t, "/acme/r1/status", gotTopic)
	require.Equal(t, map[string]string{"org": "acme", "dev": "r1"}, gotBindings)
}

func TestSubscribePathFlatDeliversEachLeaf(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	seen := map[string]any{}

	c.SubscribePathFlat("/a/#", func(value any, topic string, bindings map[string]string, tags cache.Tags) {
		seen[topic] = value
	})

	c.Update([]string{"a"}, map[string]any{"b": float64(2), "c": float64(3)}, nil)

	require.Equal(t, map[string]any{"/a/b": float64(2), "/a/c": float64(3)}, seen)
}

func TestAtomicListenersFireBeforeFlatListeners(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	var order []string

	c.Subscribe(func(changes map[string]any) { order = append(order, "atomic") })
	c.SubscribePathFlat("/a/#", func(value any, topic string, bindings map[string]string, tags cache.Tags) {
		order = append(order, "flat")
	})

	c.Update([]string{"a", "b"}, float64(1), nil)

	require.Equal(t, []string{"atomic", "flat"}, order)
}

func TestListenersFireInRegistrationOrderWithinEachSet(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	var order []int

	for i := 0; i < 20; i++ {
		n := i
		c.Subscribe(func(changes map[string]any) { order = append(order, n) })
	}

	c.Update([]string{"a"}, float64(1), nil)

	require.Len(t, order, 20)

	for i, n := range order {
		require.Equal(t, i, n)
	}
}

func TestExternalTagSurvivesToListener(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	var gotTags cache.Tags

	c.SubscribePath("/a/#", func(value any, topic string, bindings map[string]string, tags cache.Tags) {
		gotTags = tags
	})

	c.UpdateTopic("/a/b", float64(1), cache.Tags{"external": true})

	require.True(t, gotTags.External())
}

func TestFilterKeepsOnlyMatchingChildren(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	c.Update([]string{"a", "x"}, float64(1), nil)
	c.Update([]string{"a", "y"}, float64(2), nil)
	c.Update([]string{"b", "z"}, float64(3), nil)

	filtered, ok := c.Filter([]string{"a", "+"})

	require.True(t, ok)
	require.Equal(t, map[string]any{"a": map[string]any{"x": float64(1), "y": float64(2)}}, filtered)
}

func TestForMatchVisitsAllMatchingNodes(t *testing.T) {
	c := cache.New(cache.DefaultOptions())

	c.UpdateTopic("/acme/r1/status", "ok", nil)
	c.UpdateTopic("/acme/r2/status", "bad", nil)

	type match struct {
		value    any
		bindings map[string]string
	}

	var matches []match

	c.ForMatch([]string{"+org", "+dev", "status"}, func(value any, matchedPath []string, bindings map[string]string) {
		matches = append(matches, match{value, bindings})
	})

	require.Len(t, matches, 2)
}

func TestToFlatObjectEncodesPaths(t *testing.T) {
	flat := cache.ToFlatObject(map[string]any{
		"a": map[string]any{"b": float64(1)},
		"c": float64(2),
	})

	require.Equal(t, map[string]any{"/a/b": float64(1), "/c": float64(2)}, flat)
}

func TestUpdateObjectAppliesModificationsInOrder(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": float64(1), "c": float64(2)}}

	result := cache.UpdateObject(doc, []cache.Modification{
		{Topic: "/a/b", Value: nil},
		{Topic: "/a/d", Value: float64(4)},
	})

	require.Equal(t, map[string]any{"a": map[string]any{"c": float64(2), "d": float64(4)}}, result)
}
