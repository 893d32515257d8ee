package strategies

import (
	"sync/atomic"

	"carapaceproxy/carapace/pkg/backends"
)

// RoundRobinStrategy cycles through candidates in order.
//
// The counter is shared across calls, so successive sessions start from
// successive positions even when their candidate lists differ in length.
type RoundRobinStrategy struct {
	counter atomic.Uint64
}

// NewRoundRobinStrategy creates a round-robin strategy.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// Select returns the next candidate.
func (s *RoundRobinStrategy) Select(candidates []backends.Backend) (backends.Backend, error) {
	switch len(candidates) {
	case 0:
		return backends.Backend{}, ErrNoCandidates
	case 1:
		return candidates[0], nil
	}

	count := s.counter.Add(1) - 1
	return candidates[count%uint64(len(candidates))], nil
}

// Name returns "round-robin".
func (s *RoundRobinStrategy) Name() string {
	return NameRoundRobin
}

// Reset restarts the cycle from the first candidate.
func (s *RoundRobinStrategy) Reset() {
	s.counter.Store(0)
}
