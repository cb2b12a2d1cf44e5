package loadbalance

import (
	"slices"
	"strconv"
	"sync"

	"atom-rpc/registry"

	"github.com/cespare/xxhash/v2"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes,
// which gives cache affinity to stateful services.
//
// Each real instance is placed on the ring as many virtual nodes so that a
// handful of instances still spread evenly.
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
//
// As a Balancer it follows the instance list it is given: the ring is rebuilt
// only when the set of addresses changes, so keys stay put across calls.
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint64                             // Sorted hash values on the ring
	nodes    map[uint64]*registry.ServiceInstance // Hash value → instance mapping
	members  map[string]*registry.ServiceInstance // Addr → instance currently on the ring
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint64]*registry.ServiceInstance),
		members:  make(map[string]*registry.ServiceInstance),
	}
}

func virtualKey(addr string, i int) string {
	return addr + "#" + strconv.Itoa(i)
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	b.members[instance.Addr] = instance
	for i := 0; i < b.replicas; i++ {
		hash := xxhash.Sum64String(virtualKey(instance.Addr, i))
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

// Remove takes the instance with addr off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(addr)
}

func (b *ConsistentHashBalancer) remove(addr string) {
	delete(b.members, addr)
	for i := 0; i < b.replicas; i++ {
		hash := xxhash.Sum64String(virtualKey(addr, i))
		if inst, ok := b.nodes[hash]; ok && inst.Addr == addr {
			delete(b.nodes, hash)
		}
	}
	b.ring = slices.DeleteFunc(b.ring, func(h uint64) bool {
		_, ok := b.nodes[h]
		return !ok
	})
}

// Pick implements Balancer with the empty key: every call lands on the same
// instance while the instance set is unchanged. Use PickKey to spread keys.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickKey(instances, "")
}

// PickKey syncs the ring with instances and returns the instance owning key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.sync(instances)
	return b.Get(key)
}

// sync makes the ring hold exactly the addresses in instances.
func (b *ConsistentHashBalancer) sync(instances []registry.ServiceInstance) {
	b.mu.RLock()
	same := b.sameMembers(instances)
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sameMembers(instances) {
		return
	}
	want := make(map[string]registry.ServiceInstance, len(instances))
	for _, inst := range instances {
		want[inst.Addr] = inst
	}
	for addr := range b.members {
		if _, ok := want[addr]; !ok {
			b.remove(addr)
		}
	}
	for addr, inst := range want {
		inst := inst
		if _, ok := b.members[addr]; !ok {
			b.add(&inst)
		}
	}
}

func (b *ConsistentHashBalancer) sameMembers(instances []registry.ServiceInstance) bool {
	for _, inst := range instances {
		if _, ok := b.members[inst.Addr]; !ok {
			return false
		}
	}
	// Every given address is on the ring; equal only if nothing extra is.
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		seen[inst.Addr] = struct{}{}
	}
	return len(seen) == len(b.members)
}

// Get finds the instance responsible for key: the first node clockwise from
// the key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := xxhash.Sum64String(key)
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
