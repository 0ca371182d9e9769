package sync

import (
	"log/slog"
	"time"

	"github.com/studiolambda/cosmos/sync/cache"
	"github.com/studiolambda/cosmos/sync/migrate"
	"github.com/studiolambda/cosmos/sync/transport"
)

// HeartbeatTopic is the broker's periodic retained heartbeat, used to
// gate ordering of reconciliation steps. Supporting it is a broker
// requirement, not a client one.
const HeartbeatTopic = "$SYS/broker/uptime"

const heartbeatTopic = HeartbeatTopic

// PublishOptions configures a single Publish registration.
type PublishOptions struct {
	// Atomic publishes the selector's matched subdocument as one
	// retained message per write. Non-atomic (flat) publishes one
	// retained message per leaf instead.
	Atomic bool
}

// ClearOptions groups the optional Clear settings. No Sync method takes
// a ClearOptions value: ClearFiltered takes the filter function as a
// plain argument.
type ClearOptions struct {
	// Filter, if set, restricts which matched topics are cleared.
	Filter func(topic string) bool
}

// Options configures a Sync. Client is required; every other field has
// a usable zero value or is filled in by DefaultOptions.
type Options struct {
	// Client is the external MQTT collaborator. Required.
	Client transport.Client

	// Cache, if set, is used as the sync core's DataCache instead of a
	// freshly constructed one. Useful for sharing a cache between a
	// Sync and other consumers that need to seed or inspect it
	// directly.
	Cache *cache.Cache

	// Logger receives diagnostic messages. A nil Logger is replaced
	// with one that discards everything.
	Logger *slog.Logger

	// IgnoreRetain, if true, processes every inbound message as if it
	// arrived with the retain flag set.
	IgnoreRetain bool

	// SliceTopic drops the first N segments of every inbound topic
	// before logical processing, for namespace-slicing consumers.
	SliceTopic int

	// Migrate lists migration descriptors run once at startup, after
	// the heartbeat mechanism is ready and before OnReady fires.
	Migrate []migrate.Item

	// Throttle wraps the publication queue's drain trigger in a
	// leading-and-trailing throttle of this duration. Zero disables
	// throttling.
	Throttle time.Duration

	// OnChange is called after a subscribed inbound update is applied,
	// with the flattened change set.
	OnChange func(changes map[string]any)

	// OnReady is called exactly once: after the second broker
	// heartbeat (or after migrations, if any) plus one additional
	// heartbeat.
	OnReady func()

	// OnHeartbeatGranted is called when the heartbeat subscription is
	// granted by the broker.
	OnHeartbeatGranted func()
}

// DefaultOptions returns Options with every optional field set to its
// default. Client is left nil and must still be set.
func DefaultOptions() Options {
	return Options{Logger: slog.New(slog.DiscardHandler)}
}
