package registry

import "errors"

// ErrNoInstances is returned by callers (typically the client facade) when
// Discover succeeds but yields an empty instance list.
var ErrNoInstances = errors.New("registry: no instances available")

// ServerInstance describes one reachable tool server.
type ServerInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Registry is where clients find tool servers and servers announce
// themselves. Implementations: EtcdRegistry (distributed, TTL-leased) and
// StaticRegistry (in-memory, for tests and fixed topologies).
type Registry interface {
	Register(serverName string, instance ServerInstance, ttl int64) error
	Deregister(serverName string, addr string) error
	Discover(serverName string) ([]ServerInstance, error)
	Watch(serverName string) <-chan []ServerInstance
	Close() error
}
