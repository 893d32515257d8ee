package strategies

import (
	"math/rand/v2"

	"carapaceproxy/carapace/pkg/backends"
)

// RandomStrategy picks a uniformly random candidate. Applied across
// failover attempts with the tried set removed, it yields a random
// permutation of the group.
type RandomStrategy struct {
	intN func(n int) int
}

// NewRandomStrategy creates a random strategy.
func NewRandomStrategy() *RandomStrategy {
	return &RandomStrategy{intN: rand.IntN}
}

// Select returns a random candidate.
func (s *RandomStrategy) Select(candidates []backends.Backend) (backends.Backend, error) {
	if len(candidates) == 0 {
		return backends.Backend{}, ErrNoCandidates
	}
	return candidates[s.intN(len(candidates))], nil
}

// Name returns "random".
func (s *RandomStrategy) Name() string {
	return NameRandom
}

// Reset is a no-op.
func (s *RandomStrategy) Reset() {}
