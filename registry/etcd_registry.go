// etcd-based implementation of the Registry interface.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for tool servers:
//
//	Key:   /line-rpc/{ServerName}/{Addr}
//	Value: JSON-encoded ServerInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed — preventing "ghost" instances.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register adds a server instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// Note: leaseID is a local variable, NOT stored on the struct.
// This prevents a data race when multiple servers share one EtcdRegistry instance.
func (r *EtcdRegistry) Register(serverName string, instance ServerInstance, ttl int64) error {
	ctx := context.TODO()

	// Create a TTL-based lease — if KeepAlive stops, the entry auto-expires
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	// Serialize the instance metadata
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	// Store in etcd: key = /line-rpc/{server}/{addr}, value = JSON metadata
	_, err = r.client.Put(ctx, "/line-rpc/"+serverName+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// Start background lease renewal — KeepAlive sends heartbeats to etcd
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a server instance from etcd.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(serverName string, addr string) error {
	ctx := context.TODO()
	_, err := r.client.Delete(ctx, "/line-rpc/"+serverName+"/"+addr)
	if err != nil {
		return err
	}
	return nil
}

// Watch monitors a server prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
// The goroutine exits when the underlying etcd client is closed.
func (r *EtcdRegistry) Watch(serverName string) <-chan []ServerInstance {
	ctx := context.TODO()
	ch := make(chan []ServerInstance, 1)
	prefix := "/line-rpc/" + serverName + "/"

	go func() {
		// Watch all keys under the server prefix
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, _ := r.Discover(serverName)
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently registered instances of a server.
// Queries etcd with a key prefix to find all instances under /line-rpc/{serverName}/.
func (r *EtcdRegistry) Discover(serverName string) ([]ServerInstance, error) {
	ctx := context.TODO()
	prefix := "/line-rpc/" + serverName + "/"

	// Get all keys with the prefix
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	// Deserialize each value into a ServerInstance
	instances := make([]ServerInstance, 0)
	for _, kv := range resp.Kvs {
		var instance ServerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close releases the etcd client connection. Pending Watch goroutines exit
// once the client's watch streams shut down.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
