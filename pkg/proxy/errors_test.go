package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"

	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/proxy/types"
	"carapaceproxy/carapace/pkg/routing"
)

func TestHandleError(t *testing.T) {
	dial := &pool.DialError{Backend: "a", Addr: "127.0.0.1:1", Err: syscall.ECONNREFUSED}
	wait := &pool.TimeoutError{Backend: "a", Cause: context.DeadlineExceeded}
	readTimeout := &UpstreamError{Backend: "a", Stage: "read", Err: os.ErrDeadlineExceeded}
	reset := &UpstreamError{Backend: "a", Stage: "read", Err: syscall.ECONNRESET}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no match", &routing.NoMatchError{Host: "h", Path: "/"}, http.StatusNotFound, types.CodeNoRoute},
		{"no backend", &routing.NoBackendError{Group: "api"}, http.StatusServiceUnavailable, types.CodeNoBackend},
		{"dial", dial, http.StatusServiceUnavailable, types.CodeNoBackend},
		{"pool wait", wait, http.StatusGatewayTimeout, types.CodeBackendTimeout},
		{"read timeout", readTimeout, http.StatusGatewayTimeout, types.CodeBackendTimeout},
		{"reset", reset, http.StatusBadGateway, types.CodeBackendError},
		{"closed pool", pool.ErrClosed, http.StatusServiceUnavailable, types.CodeShuttingDown},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, types.CodeInternalError},
		{
			name:       "timeout wins over dial errors",
			err:        &ExhaustedError{Route: "api", Attempts: 3, Errors: []error{dial, readTimeout, &routing.NoBackendError{}}},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   types.CodeBackendTimeout,
		},
		{
			name:       "exchange error wins over unavailability",
			err:        &ExhaustedError{Route: "api", Attempts: 2, Errors: []error{dial, reset}},
			wantStatus: http.StatusBadGateway,
			wantCode:   types.CodeBackendError,
		},
		{
			name:       "only dial errors",
			err:        &ExhaustedError{Route: "api", Attempts: 2, Errors: []error{dial, dial}},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.CodeNoBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := HandleError(tt.err)
			if got := resp.Error.HTTPStatusCode(); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, types.NewGatewayTimeoutError("slow"))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := `{"error":{"message":"slow","type":"gateway_timeout","code":"backend_timeout"}}` + "\n"
	if w.Body.String() != want {
		t.Errorf("body = %s, want %s", w.Body.String(), want)
	}
}

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{Backend: "a", Stage: "write", Err: syscall.EPIPE}
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, syscall.EPIPE) {
		t.Errorf("UpstreamError does not match its sentinel and cause")
	}
	if !isStaleConnError(err) {
		t.Error("EPIPE not treated as a stale connection")
	}
	if isStaleConnError(&UpstreamError{Err: os.ErrDeadlineExceeded}) {
		t.Error("deadline treated as a stale connection")
	}
}
