package routing

import (
	"errors"
	"fmt"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoMatch is returned when no enabled route matches a request. It is
	// an ordinary outcome, answered with 404, not a router failure.
	ErrNoMatch = errors.New("no route matches request")

	// ErrNoBackendAvailable is returned when a route's backend group has no
	// eligible backend left.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrInvalidRoute is returned by BuildTable for a route that cannot be
	// published.
	ErrInvalidRoute = errors.New("invalid route")
)

// NoMatchError carries the request coordinates that failed to match.
type NoMatchError struct {
	Host string
	Path string
}

// Error implements the error interface.
func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no route matches host %q path %q", e.Host, e.Path)
}

// Is implements error matching for errors.Is().
func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoMatch
}

// NoBackendError describes a backend group with nothing left to select.
type NoBackendError struct {
	// Group is the director the candidates came from.
	Group string

	// Total is the number of backends in the group.
	Total int

	// Up, Down and Draining count the group by health.
	Up       int
	Down     int
	Draining int

	// Tried is how many backends this session already attempted.
	Tried int
}

// Error implements the error interface.
func (e *NoBackendError) Error() string {
	return fmt.Sprintf("no backend available in group %q (total: %d, up: %d, down: %d, draining: %d, tried: %d)",
		e.Group, e.Total, e.Up, e.Down, e.Draining, e.Tried)
}

// Is implements error matching for errors.Is().
func (e *NoBackendError) Is(target error) bool {
	return target == ErrNoBackendAvailable
}

// RouteError is returned by BuildTable for a route it rejects.
type RouteError struct {
	Route  string
	Reason string
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("route %q: %s", e.Route, e.Reason)
}

// Is implements error matching for errors.Is().
func (e *RouteError) Is(target error) bool {
	return target == ErrInvalidRoute
}
