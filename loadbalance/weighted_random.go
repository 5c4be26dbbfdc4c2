package loadbalance

import (
	"fmt"
	"math/rand"

	"line-rpc/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += v.Weight
	}

	// 总权重为0时退化为均匀随机
	if totalWeight <= 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for _, v := range instances {
		r -= v.Weight
		if r < 0 {
			return &v, nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
