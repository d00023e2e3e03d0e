// etcd.go implements a Registry backed by etcd: lease-based TTL
// registration, a consume-don't-block KeepAlive drain, and a
// re-fetch-on-watch-event refresh so Watch subscribers always see a
// complete Device rather than a partial key update.
package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements Registry against an etcd cluster, for
// deployments that run a fleet of casting gateways behind centralized
// discovery instead of per-host mDNS.
//
//	Key:   /gocast/devices/{name}
//	Value: JSON-encoded Device
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

func key(name string) string { return "/gocast/devices/" + name }

// Register stores device under name with a 30s TTL lease, auto-renewed by
// KeepAlive for as long as the client runs. Deregister deletes the key but
// does not revoke the lease.
func (r *EtcdRegistry) Register(name string, device Device) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, 30)
	if err != nil {
		return err
	}

	val, err := json.Marshal(device)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, key(name), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the device registered under name.
func (r *EtcdRegistry) Deregister(name string) error {
	_, err := r.client.Delete(context.TODO(), key(name))
	return err
}

// Discover fetches the device currently registered under name.
func (r *EtcdRegistry) Discover(name string) (Device, bool) {
	resp, err := r.client.Get(context.TODO(), key(name))
	if err != nil || len(resp.Kvs) == 0 {
		return Device{}, false
	}
	var d Device
	if err := json.Unmarshal(resp.Kvs[0].Value, &d); err != nil {
		return Device{}, false
	}
	return d, true
}

// Watch monitors name's key and emits the re-fetched Device on any change.
func (r *EtcdRegistry) Watch(name string) <-chan Device {
	ch := make(chan Device, 1)
	go func() {
		watchChan := r.client.Watch(context.TODO(), key(name))
		for range watchChan {
			if d, ok := r.Discover(name); ok {
				ch <- d
			}
		}
	}()
	return ch
}
