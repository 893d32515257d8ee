package events

import (
	"context"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	// KindRequestOutcome is emitted once per completed or failed proxy session.
	KindRequestOutcome Kind = "request_outcome"

	// KindHealthTransition is emitted when a backend changes health state.
	KindHealthTransition Kind = "health_transition"

	// KindPoolSaturated is emitted when an acquire had to wait for capacity
	// or timed out waiting.
	KindPoolSaturated Kind = "pool_saturated"

	// KindHealthPressure is emitted when a request found no available backend.
	KindHealthPressure Kind = "health_pressure"
)

// Event is one structured observation emitted by the proxy core.
// Fields not relevant to the Kind are left zero.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Request fields
	RequestID string        `json:"request_id,omitempty"`
	Listener  string        `json:"listener,omitempty"`
	Route     string        `json:"route,omitempty"`
	Method    string        `json:"method,omitempty"`
	Host      string        `json:"host,omitempty"`
	Path      string        `json:"path,omitempty"`
	Status    int           `json:"status,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	BytesOut  int64         `json:"bytes_out,omitempty"`

	// Backend the event concerns, if any.
	Backend string `json:"backend,omitempty"`

	// Health transition fields
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// Pool fields
	InUse    int `json:"in_use,omitempty"`
	Capacity int `json:"capacity,omitempty"`
	Waiters  int `json:"waiters,omitempty"`

	Error string `json:"error,omitempty"`
}

// Sink receives events. Emit must not block the caller for long and never
// reports failure; implementations drop events they cannot handle.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

// Discard is a Sink that drops every event.
var Discard Sink = discardSink{}

type multiSink []Sink

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi returns a Sink that forwards each event to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return out
}

// Query filters stored events. Zero fields do not filter.
type Query struct {
	Kind    Kind
	Backend string
	Route   string
	Since   time.Time
	Until   time.Time

	// Limit caps returned events; results are newest first.
	Limit int
}

// Storage persists events.
type Storage interface {
	// Store persists one event.
	Store(ctx context.Context, e *Event) error

	// Query returns events matching q, newest first.
	Query(ctx context.Context, q *Query) ([]*Event, error)

	// Count returns the number of events matching q.
	Count(ctx context.Context, q *Query) (int64, error)

	// DeleteBefore removes events older than t.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	// TrimTo removes the oldest events so that at most keep remain.
	TrimTo(ctx context.Context, keep int64) (int64, error)

	Close() error
}
