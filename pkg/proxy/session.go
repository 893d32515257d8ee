package proxy

import (
	"errors"
	"fmt"
	"time"

	"carapaceproxy/carapace/pkg/routing"
)

// State is the phase of a proxy session.
type State int

const (
	StateStart State = iota
	StateRouting
	StateSelecting
	StateConnecting
	StateForwarding
	StateCompleting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:      "start",
	StateRouting:    "routing",
	StateSelecting:  "selecting",
	StateConnecting: "connecting",
	StateForwarding: "forwarding",
	StateCompleting: "completing",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the successors of each non-terminal state. Failed is
// reachable from every non-terminal state and is not listed.
var transitions = map[State][]State{
	StateStart:   {StateRouting},
	StateRouting: {StateSelecting, StateCompleting},
	// Selecting is re-entered when an attempt fails and another is allowed.
	StateSelecting:  {StateConnecting},
	StateConnecting: {StateForwarding, StateSelecting},
	StateForwarding: {StateCompleting, StateSelecting},
	StateCompleting: {StateDone},
}

// ErrInvalidTransition is returned for a transition the state machine does
// not allow.
var ErrInvalidTransition = errors.New("invalid session transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Session is the state of one proxied request. A session is owned by the
// goroutine serving the request and is not safe for concurrent use.
type Session struct {
	RequestID string
	Listener  string
	Route     *routing.Route

	// Backend is the backend of the latest attempt.
	Backend  string
	Attempts int
	Status   int
	BytesOut int64
	Err      error
	Started  time.Time

	// Aborted is set when the client connection must be dropped because a
	// relayed response could not be completed.
	Aborted bool

	state   State
	history []State
	tried   map[string]bool
	errs    []error
}

// NewSession returns a session in StateStart.
func NewSession(requestID, listener string, started time.Time) *Session {
	return &Session{
		RequestID: requestID,
		Listener:  listener,
		Started:   started,
		state:     StateStart,
		history:   []State{StateStart},
		tried:     make(map[string]bool),
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// History returns every state the session entered, in order.
func (s *Session) History() []State {
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

// Tried reports whether backend id was attempted by this session.
func (s *Session) Tried(id string) bool {
	return s.tried[id]
}

// Transition moves the session to state to.
func (s *Session) Transition(to State) error {
	if s.state.Terminal() {
		return &TransitionError{From: s.state, To: to}
	}
	if to != StateFailed && !allowed(s.state, to) {
		return &TransitionError{From: s.state, To: to}
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}

func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fail moves the session to StateFailed, recording err and the status the
// client received.
func (s *Session) Fail(status int, err error) {
	s.Status = status
	s.Err = err
	if !s.state.Terminal() {
		s.state = StateFailed
		s.history = append(s.history, StateFailed)
	}
}

// markTried records the start of an attempt on backend id.
func (s *Session) markTried(id string) {
	s.tried[id] = true
	s.Backend = id
	s.Attempts++
}

func (s *Session) recordFailure(err error) {
	s.errs = append(s.errs, err)
}

// exhausted returns the error describing every failed attempt.
func (s *Session) exhausted() error {
	if len(s.errs) == 1 && s.Attempts <= 1 {
		return s.errs[0]
	}
	route := ""
	if s.Route != nil {
		route = s.Route.ID
	}
	return &ExhaustedError{Route: route, Attempts: s.Attempts, Errors: s.errs}
}
