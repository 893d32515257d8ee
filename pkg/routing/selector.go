package routing

import (
	"log/slog"
	"sync/atomic"

	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/routing/strategies"
)

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Strategy picks among eligible backends. Defaults to round-robin.
	Strategy strategies.Strategy

	// MaxAttempts bounds backends tried per session for routes that do not
	// set their own retry count. Zero lets such a session try every
	// candidate once.
	MaxAttempts int

	// Tolerant offers DOWN backends when no UP backend is left. DRAINING
	// backends are never offered.
	Tolerant bool
}

// Selector filters a backend group to the eligible members and delegates
// the choice to a strategy. Configuration is swapped atomically by Update.
type Selector struct {
	config atomic.Pointer[SelectorConfig]
	stats  *AtomicRoutingStats
	logger *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(cfg SelectorConfig, stats *AtomicRoutingStats) *Selector {
	if stats == nil {
		stats = NewAtomicRoutingStats()
	}
	s := &Selector{
		stats:  stats,
		logger: slog.Default().With("component", "routing.selector"),
	}
	s.Update(cfg)
	return s
}

// Update replaces the selector configuration.
func (s *Selector) Update(cfg SelectorConfig) {
	if cfg.Strategy == nil {
		cfg.Strategy = strategies.NewRoundRobinStrategy()
	}
	s.config.Store(&cfg)
}

// StrategyName returns the name of the active strategy.
func (s *Selector) StrategyName() string {
	return s.config.Load().Strategy.Name()
}

// Select returns one backend from candidates that is UP and not in tried.
// With an empty eligible set it returns a *NoBackendError. As long as one
// untried candidate is UP, Select succeeds.
func (s *Selector) Select(group string, candidates []backends.Backend, tried map[string]bool) (backends.Backend, error) {
	cfg := s.config.Load()

	eligible := make([]backends.Backend, 0, len(candidates))
	var down []backends.Backend
	noBackend := &NoBackendError{Group: group, Total: len(candidates), Tried: len(tried)}

	for _, b := range candidates {
		switch b.Health {
		case backends.StateUp:
			noBackend.Up++
		case backends.StateDown:
			noBackend.Down++
		case backends.StateDraining:
			noBackend.Draining++
		}
		if tried[b.ID] {
			continue
		}
		switch b.Health {
		case backends.StateUp:
			eligible = append(eligible, b)
		case backends.StateDown:
			down = append(down, b)
		}
	}

	tolerant := false
	if len(eligible) == 0 && cfg.Tolerant && len(down) > 0 {
		eligible = down
		tolerant = true
	}

	if len(eligible) == 0 {
		s.stats.IncrementNoBackend()
		return backends.Backend{}, noBackend
	}

	b, err := cfg.Strategy.Select(eligible)
	if err != nil {
		// Strategies only fail on empty input.
		s.stats.IncrementNoBackend()
		return backends.Backend{}, noBackend
	}

	if tolerant {
		s.stats.IncrementTolerant()
		s.logger.Debug("selected DOWN backend in tolerant mode", "group", group, "backend", b.ID)
	}
	s.stats.IncrementBackend(b.ID)
	return b, nil
}

// Attempts returns how many backends a session may try: 1+routeRetries when
// the route sets retries (routeRetries >= 0), else the configured
// MaxAttempts, else every candidate. Never more than the number of
// candidates and never less than one.
func (s *Selector) Attempts(routeRetries, candidates int) int {
	n := s.config.Load().MaxAttempts
	if routeRetries >= 0 {
		n = 1 + routeRetries
	}
	if n <= 0 || candidates < n {
		n = candidates
	}
	if n < 1 {
		n = 1
	}
	return n
}
