package registry

import (
	"sort"
	"sync"
)

// StaticRegistry is an in-memory Registry. It serves two purposes: tests that
// should not depend on a running etcd, and deployments with a fixed, known set
// of server addresses.
//
// TTLs are ignored — an instance stays registered until Deregister is called.
type StaticRegistry struct {
	mu       sync.RWMutex
	servers  map[string]map[string]ServerInstance // serverName -> addr -> instance
	watchers map[string][]chan []ServerInstance
}

// NewStaticRegistry returns an empty in-memory registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		servers:  make(map[string]map[string]ServerInstance),
		watchers: make(map[string][]chan []ServerInstance),
	}
}

func (r *StaticRegistry) Register(serverName string, instance ServerInstance, ttl int64) error {
	r.mu.Lock()
	if r.servers[serverName] == nil {
		r.servers[serverName] = make(map[string]ServerInstance)
	}
	r.servers[serverName][instance.Addr] = instance
	r.mu.Unlock()

	r.notify(serverName)
	return nil
}

func (r *StaticRegistry) Deregister(serverName string, addr string) error {
	r.mu.Lock()
	delete(r.servers[serverName], addr)
	r.mu.Unlock()

	r.notify(serverName)
	return nil
}

func (r *StaticRegistry) Discover(serverName string) ([]ServerInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(serverName), nil
}

// Watch returns a channel that receives the full instance list after every
// Register or Deregister for the named server. The channel is buffered; a
// slow consumer sees only the most recent update.
func (r *StaticRegistry) Watch(serverName string) <-chan []ServerInstance {
	ch := make(chan []ServerInstance, 1)
	r.mu.Lock()
	r.watchers[serverName] = append(r.watchers[serverName], ch)
	r.mu.Unlock()
	return ch
}

func (r *StaticRegistry) Close() error {
	return nil
}

// snapshot copies the instance list sorted by address. Callers must hold at
// least the read lock.
func (r *StaticRegistry) snapshot(serverName string) []ServerInstance {
	instances := make([]ServerInstance, 0, len(r.servers[serverName]))
	for _, inst := range r.servers[serverName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

func (r *StaticRegistry) notify(serverName string) {
	r.mu.RLock()
	instances := r.snapshot(serverName)
	watchers := r.watchers[serverName]
	r.mu.RUnlock()

	for _, ch := range watchers {
		// Drop the stale update if the watcher has not consumed it yet
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- instances:
		default:
		}
	}
}
