package sync

import "github.com/studiolambda/cosmos/sync/path"

// Capability composes a Sync with the identity of one capability: the
// organization, device, scope, name, and version segments that prefix
// every topic it publishes or subscribes to. The source this is
// modeled on expresses Capability as a subclass of MqttSync;  here it
// is plain composition, with the embedded Sync's methods promoted.
type Capability struct {
	*Sync

	Organization string
	Device       string
	Scope        string
	Name         string
	Version      string
}

// NewCapability wraps sync with capability identity.
func NewCapability(sync *Sync, organization, device, scope, name, version string) *Capability {
	return &Capability{
		Sync:         sync,
		Organization: organization,
		Device:       device,
		Scope:        scope,
		Name:         name,
		Version:      version,
	}
}

// Topic builds the capability's base topic:
// /organization/device/@scope/name/version.
func (c *Capability) Topic() string {
	return path.PathToTopic([]string{c.Organization, c.Device, "@" + c.Scope, c.Name, c.Version})
}

// Selector builds the capability's base selector: Topic with a
// trailing "/#" appended, suitable for Publish/Subscribe.
func (c *Capability) Selector() string {
	return path.NormalizeSelector(c.Topic())
}
