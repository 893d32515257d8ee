package backends

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// State is the health state of a backend.
type State int

const (
	// StateUp backends are eligible for selection.
	StateUp State = iota

	// StateDown backends failed FailureThreshold consecutive checks or
	// requests. A successful probe returns them to StateUp.
	StateDown

	// StateDraining backends accept no new sessions; in-flight sessions
	// complete normally. Only Undrain or SetHealth leaves this state.
	StateDraining
)

// String returns "UP", "DOWN" or "DRAINING".
func (s State) String() string {
	switch s {
	case StateUp:
		return "UP"
	case StateDown:
		return "DOWN"
	case StateDraining:
		return "DRAINING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses the String form of a State, case-insensitively.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(s) {
	case "UP":
		return StateUp, nil
	case "DOWN":
		return StateDown, nil
	case "DRAINING":
		return StateDraining, nil
	}
	return 0, fmt.Errorf("unknown backend state %q", s)
}

// Definition is the static description of a backend.
type Definition struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Weight    int    `json:"weight"`
	ProbePath string `json:"probe_path,omitempty"`
}

// Address returns host:port.
func (d Definition) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Backend is a snapshot of one backend and its live health.
type Backend struct {
	Definition

	Health              State     `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbe           time.Time `json:"last_probe,omitempty"`
	LastChange          time.Time `json:"last_change"`
	LastError           string    `json:"last_error,omitempty"`
}

// Available reports whether the backend may receive new sessions.
func (b Backend) Available() bool {
	return b.Health == StateUp
}

// HealthChange describes one health transition.
type HealthChange struct {
	Backend string
	From    State
	To      State
	Reason  string
	At      time.Time
}
