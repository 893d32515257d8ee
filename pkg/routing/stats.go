package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// AtomicRoutingStats implements thread-safe routing statistics using atomic operations.
// A Router and a Selector may share one instance.
type AtomicRoutingStats struct {
	totalRequests atomic.Int64

	// requestsPerRoute and selectionsPerBackend hold *atomic.Int64 values.
	requestsPerRoute     sync.Map
	selectionsPerBackend sync.Map

	noMatch   atomic.Int64
	noBackend atomic.Int64
	tolerant  atomic.Int64

	// mu protects lastResetTime
	mu            sync.RWMutex
	lastResetTime time.Time
}

// NewAtomicRoutingStats creates a new atomic routing statistics tracker.
func NewAtomicRoutingStats() *AtomicRoutingStats {
	return &AtomicRoutingStats{
		lastResetTime: time.Now(),
	}
}

// IncrementTotal increments the total request counter.
func (s *AtomicRoutingStats) IncrementTotal() {
	s.totalRequests.Add(1)
}

// IncrementRoute increments the counter for a matched route.
func (s *AtomicRoutingStats) IncrementRoute(routeID string) {
	increment(&s.requestsPerRoute, routeID)
}

// IncrementBackend increments the selection counter for a backend.
func (s *AtomicRoutingStats) IncrementBackend(backendID string) {
	increment(&s.selectionsPerBackend, backendID)
}

// IncrementNoMatch counts a request no route accepted.
func (s *AtomicRoutingStats) IncrementNoMatch() {
	s.noMatch.Add(1)
}

// IncrementNoBackend counts a selection that found no eligible backend.
func (s *AtomicRoutingStats) IncrementNoBackend() {
	s.noBackend.Add(1)
}

// IncrementTolerant counts a selection that fell back to a DOWN backend.
func (s *AtomicRoutingStats) IncrementTolerant() {
	s.tolerant.Add(1)
}

func increment(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Snapshot returns a point-in-time snapshot of the statistics.
func (s *AtomicRoutingStats) Snapshot() *RoutingStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &RoutingStats{
		TotalRequests:        s.totalRequests.Load(),
		RequestsPerRoute:     collect(&s.requestsPerRoute),
		SelectionsPerBackend: collect(&s.selectionsPerBackend),
		NoMatch:              s.noMatch.Load(),
		NoBackend:            s.noBackend.Load(),
		TolerantSelections:   s.tolerant.Load(),
		LastResetTime:        s.lastResetTime,
	}
}

// Reset resets all statistics to zero.
func (s *AtomicRoutingStats) Reset() {
	s.totalRequests.Store(0)
	s.noMatch.Store(0)
	s.noBackend.Store(0)
	s.tolerant.Store(0)
	s.requestsPerRoute.Clear()
	s.selectionsPerBackend.Clear()

	s.mu.Lock()
	s.lastResetTime = time.Now()
	s.mu.Unlock()
}
