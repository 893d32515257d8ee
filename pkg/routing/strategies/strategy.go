// Package strategies implements backend selection policies for the
// load balancer.
package strategies

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"carapaceproxy/carapace/pkg/backends"
)

// ErrNoCandidates is returned when a strategy is asked to choose from an
// empty candidate list.
var ErrNoCandidates = errors.New("no candidates to select from")

// Strategy chooses one backend from a list of eligible candidates. The
// caller has already filtered candidates by health and by the backends a
// session has tried.
//
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Select returns one of candidates.
	Select(candidates []backends.Backend) (backends.Backend, error)

	// Name returns the configuration name of the strategy.
	Name() string

	// Reset clears internal counters.
	Reset()
}

// ConnectionCounter reports in-use connections per backend.
type ConnectionCounter interface {
	InUse(backendID string) int
}

// Strategy names as accepted in configuration.
const (
	NameRoundRobin       = "round-robin"
	NameWeighted         = "weighted"
	NameRandom           = "random"
	NameLeastConnections = "least-connections"
)

// UnknownStrategyError is returned by New for an unrecognised name.
type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown balancing strategy %q (available: %s)", e.Name, strings.Join(Names(), ", "))
}

// Names returns the supported strategy names, sorted.
func Names() []string {
	names := []string{NameRoundRobin, NameWeighted, NameRandom, NameLeastConnections}
	sort.Strings(names)
	return names
}

// New builds the strategy called name. counter is only used by
// least-connections and may be nil for the others.
func New(name string, counter ConnectionCounter) (Strategy, error) {
	switch name {
	case NameRoundRobin, "":
		return NewRoundRobinStrategy(), nil
	case NameWeighted:
		return NewWeightedStrategy(), nil
	case NameRandom:
		return NewRandomStrategy(), nil
	case NameLeastConnections:
		if counter == nil {
			return nil, fmt.Errorf("strategy %q requires a connection counter", name)
		}
		return NewLeastConnectionsStrategy(counter), nil
	}
	return nil, &UnknownStrategyError{Name: name}
}
