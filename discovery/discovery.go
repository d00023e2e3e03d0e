// Package discovery defines the collaborator contract for device
// discovery: the core accepts (hostname, ip, port, friendlyName) tuples
// and treats finding them as someone else's problem (typically mDNS). This
// package supplies that contract plus two concrete implementations: a
// zero-dependency StaticRegistry for tests and simple deployments, and an
// etcd-backed Registry (discovery/etcd.go) for fleets of casting gateways
// that already run etcd for other service discovery.
package discovery

// Device is the tuple the session façade needs to dial a Cast receiver.
type Device struct {
	Name         string // stable identifier, e.g. "living-room"
	Host         string // hostname or IP to dial
	Port         int    // advertised Cast port, usually 8009
	FriendlyName string // human-readable device name from mDNS TXT records
}

// Registry is the discovery collaborator contract. Implementations must be
// safe for concurrent use.
type Registry interface {
	// Register announces a Device under name.
	Register(name string, device Device) error
	// Deregister removes a previously Registered Device.
	Deregister(name string) error
	// Discover returns the Device currently registered under name, or
	// false if none is.
	Discover(name string) (Device, bool)
	// Watch returns a channel that emits the current Device whenever a
	// registration for name is stored. A deregistration emits nothing.
	Watch(name string) <-chan Device
}
