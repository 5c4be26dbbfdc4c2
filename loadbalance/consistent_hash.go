package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"line-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing session affinity — useful for stateful servers or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per instance ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu    sync.Mutex
	built string                              // Fingerprint of the instance set the ring was built from
	ring  []uint32                            // Sorted hash values on the ring
	nodes map[uint32]*registry.ServerInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServerInstance),
	}
}

// PickKey finds the instance responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
//
// The ring is rebuilt lazily whenever the instance set differs from the one it
// was built from, so discovery updates (new registrations, lease expirations)
// only remap the keys that consistent hashing requires.
//
// Note: PickKey takes the affinity key alongside the instances — consistent
// hashing is key-based, so the strategy doesn't implement the Balancer
// interface directly.
func (b *ConsistentHashBalancer) PickKey(key string, instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if fp := fingerprint(instances); fp != b.built {
		b.rebuild(instances)
		b.built = fp
	}

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

// rebuild places every instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServerInstance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.ServerInstance, len(instances)*b.replicas)

	for i := range instances {
		instance := &instances[i]
		for j := 0; j < b.replicas; j++ {
			key := fmt.Sprintf("%s#%d", instance.Addr, j)
			hash := crc32.ChecksumIEEE([]byte(key))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = instance
		}
	}

	// Keep the ring sorted for binary search in PickKey()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func fingerprint(instances []registry.ServerInstance) string {
	var sb strings.Builder
	for _, inst := range instances {
		sb.WriteString(inst.Addr)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
