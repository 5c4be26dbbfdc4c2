// Package loadbalance provides load balancing strategies for distributing
// tool calls across multiple server instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless servers, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful servers requiring session affinity
package loadbalance

import "line-rpc/registry"

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call — must be goroutine-safe.
	Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
