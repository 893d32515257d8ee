package strategies

import (
	"sync"

	"carapaceproxy/carapace/pkg/backends"
)

// WeightedStrategy is smooth weighted round-robin: over any window of
// sum(weights) selections each backend is chosen weight times, and heavy
// backends are interleaved with light ones instead of chosen in bursts.
//
// Backends with weight <= 0 are skipped unless every candidate has such a
// weight, in which case all candidates count as weight 1.
type WeightedStrategy struct {
	mu      sync.Mutex
	current map[string]int
}

// NewWeightedStrategy creates a weighted strategy.
func NewWeightedStrategy() *WeightedStrategy {
	return &WeightedStrategy{current: make(map[string]int)}
}

// Select returns the candidate with the highest running weight.
func (s *WeightedStrategy) Select(candidates []backends.Backend) (backends.Backend, error) {
	if len(candidates) == 0 {
		return backends.Backend{}, ErrNoCandidates
	}

	positive := false
	for _, c := range candidates {
		if c.Weight > 0 {
			positive = true
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	best := -1
	for i, c := range candidates {
		w := c.Weight
		if !positive {
			w = 1
		}
		if w <= 0 {
			continue
		}
		s.current[c.ID] += w
		total += w
		if best < 0 || s.current[c.ID] > s.current[candidates[best].ID] {
			best = i
		}
	}

	s.current[candidates[best].ID] -= total
	return candidates[best], nil
}

// Name returns "weighted".
func (s *WeightedStrategy) Name() string {
	return NameWeighted
}

// Reset clears running weights.
func (s *WeightedStrategy) Reset() {
	s.mu.Lock()
	s.current = make(map[string]int)
	s.mu.Unlock()
}
