package strategies

import (
	"sync/atomic"

	"carapaceproxy/carapace/pkg/backends"
)

// LeastConnectionsStrategy picks the candidate with the fewest in-use pooled
// connections. Ties rotate so that an idle group is not always served by
// its first member.
type LeastConnectionsStrategy struct {
	counter ConnectionCounter
	offset  atomic.Uint64
}

// NewLeastConnectionsStrategy creates a least-connections strategy reading
// in-use counts from counter.
func NewLeastConnectionsStrategy(counter ConnectionCounter) *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{counter: counter}
}

// Select returns the least loaded candidate.
func (s *LeastConnectionsStrategy) Select(candidates []backends.Backend) (backends.Backend, error) {
	n := len(candidates)
	if n == 0 {
		return backends.Backend{}, ErrNoCandidates
	}

	start := int(s.offset.Add(1) % uint64(n))
	best := start
	bestLoad := s.counter.InUse(candidates[start].ID)
	for i := 1; i < n && bestLoad > 0; i++ {
		j := (start + i) % n
		if load := s.counter.InUse(candidates[j].ID); load < bestLoad {
			best, bestLoad = j, load
		}
	}
	return candidates[best], nil
}

// Name returns "least-connections".
func (s *LeastConnectionsStrategy) Name() string {
	return NameLeastConnections
}

// Reset restarts tie rotation.
func (s *LeastConnectionsStrategy) Reset() {
	s.offset.Store(0)
}
