package backends

import (
	"errors"
	"fmt"
)

// ErrUnknownBackend is returned for operations on an ID the manager does not know.
var ErrUnknownBackend = errors.New("unknown backend")

// BackendError wraps an error with the backend it concerns.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

func unknown(id, op string) error {
	return &BackendError{Backend: id, Op: op, Err: ErrUnknownBackend}
}
