package loadbalance

import (
	"math/rand"

	"atom-rpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. If no instance has a positive weight the pick is uniform.
//
// Best for: heterogeneous instances where some machines can take more load.
type WeightedRandomBalancer struct{}

// Pick draws r in [0, total weight) and walks the list until r drops below zero.
func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
