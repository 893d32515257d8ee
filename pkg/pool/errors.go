package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when no connection became available in time.
	ErrTimeout = errors.New("connection acquire timed out")

	// ErrDial is returned when a new connection could not be established.
	ErrDial = errors.New("backend dial failed")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("connection pool closed")
)

// TimeoutError reports an Acquire that ran out of time waiting for capacity.
type TimeoutError struct {
	Backend string
	Waited  time.Duration

	// Cause is the context error that ended the wait.
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("acquire connection to backend %q: timed out after %v", e.Backend, e.Waited.Round(time.Millisecond))
}

// Is implements error matching for errors.Is().
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Unwrap returns the context error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// DialError reports a failed connection attempt.
type DialError struct {
	Backend string
	Addr    string
	Err     error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	return fmt.Sprintf("dial backend %q at %s: %v", e.Backend, e.Addr, e.Err)
}

// Is implements error matching for errors.Is().
func (e *DialError) Is(target error) bool {
	return target == ErrDial
}

// Unwrap returns the underlying network error.
func (e *DialError) Unwrap() error {
	return e.Err
}
