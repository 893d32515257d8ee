package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/proxy/types"
	"carapaceproxy/carapace/pkg/routing"
)

// StatusClientClosedRequest is recorded when the client went away before a
// response could be written. It is never sent on the wire.
const StatusClientClosedRequest = 499

var (
	// ErrUpstream indicates the exchange with a backend failed after the
	// connection was established and before response headers arrived.
	ErrUpstream = errors.New("backend exchange failed")

	// ErrClientGone indicates the client cancelled the request.
	ErrClientGone = errors.New("client closed request")

	// ErrAttemptsExhausted indicates every permitted attempt failed.
	ErrAttemptsExhausted = errors.New("all attempts failed")
)

// UpstreamError describes a failed exchange with one backend.
type UpstreamError struct {
	Backend string
	// Stage is "write" when sending the request failed and "read" when
	// reading the response headers failed.
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend %s: %s failed: %v", e.Backend, e.Stage, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// ExhaustedError collects the failure of every attempt of one session.
type ExhaustedError struct {
	Route    string
	Attempts int
	Errors   []error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("route %s: %d attempt(s) failed: %s", e.Route, e.Attempts, strings.Join(msgs, "; "))
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors
}

// Is reports whether target is ErrAttemptsExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAttemptsExhausted
}

// IsTimeout reports whether err is, or contains, a pool wait timeout, a
// deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pool.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HandleError maps a session error to the error body and status the client
// receives. Timeouts win over backend errors, which win over unavailability:
// a session that saw a timeout on any attempt answers 504.
func HandleError(err error) *types.ErrorResponse {
	switch {
	case errors.Is(err, routing.ErrNoMatch):
		return types.NewNotFoundError(err.Error())
	case IsTimeout(err):
		return types.NewGatewayTimeoutError("backend did not respond in time")
	case errors.Is(err, ErrUpstream):
		return types.NewBadGatewayError("backend exchange failed")
	case errors.Is(err, routing.ErrNoBackendAvailable), errors.Is(err, pool.ErrDial):
		return types.NewServiceUnavailableError("no backend available")
	case errors.Is(err, pool.ErrClosed):
		return types.NewErrorResponse("proxy is shutting down", types.ErrorTypeServiceUnavailable, types.CodeShuttingDown)
	default:
		return types.NewServerError("An internal error occurred. Please try again later.")
	}
}

// WriteErrorResponse writes errResp as JSON with its HTTP status.
func WriteErrorResponse(w http.ResponseWriter, errResp *types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(errResp.Error.HTTPStatusCode())

	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		slog.Debug("failed to write error response", "error", err)
	}
}
