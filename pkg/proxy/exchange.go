package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"carapaceproxy/carapace/pkg/pool"
)

// maxWriteWaitBeforeReuse bounds how long a completed response waits for
// the request write to finish before the connection is given up.
const maxWriteWaitBeforeReuse = 50 * time.Millisecond

// requestWriter sends a request to a backend on its own goroutine, so the
// response is read while the request body is still streaming.
type requestWriter struct {
	conn *pool.Conn
	done chan struct{}
	err  error // Request.Write result, valid once done is closed

	mu      sync.Mutex
	connErr error
	bodyErr error
	aborted bool
}

// writeRequest starts writing out to conn.
func writeRequest(conn *pool.Conn, out *http.Request) *requestWriter {
	rw := &requestWriter{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(rw.done)
		rw.err = out.Write(rw)
		if rw.err == nil {
			return
		}
		rw.mu.Lock()
		bodyFailed := rw.connErr == nil && !rw.aborted
		if bodyFailed {
			rw.bodyErr = rw.err
		}
		rw.mu.Unlock()
		if bodyFailed {
			// Nothing more reaches the backend, so the response read must
			// not wait for it.
			_ = conn.SetDeadline(aLongTimeAgo)
		}
	}()
	return rw
}

// Write records the first error of the backend connection. Request.Write
// reports it wrapped in an error that cannot be unwrapped.
func (rw *requestWriter) Write(p []byte) (int, error) {
	n, err := rw.conn.Write(p)
	if err != nil {
		rw.mu.Lock()
		if rw.connErr == nil && !rw.aborted {
			rw.connErr = err
		}
		rw.mu.Unlock()
	}
	return n, err
}

func (rw *requestWriter) failure() (connErr, bodyErr error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.connErr, rw.bodyErr
}

func (rw *requestWriter) finished() bool {
	select {
	case <-rw.done:
		return true
	default:
		return false
	}
}

// wroteRequest reports whether the whole request reached the connection,
// waiting briefly for a write still in flight. A backend that answered
// without reading the body leaves the write blocked.
func (rw *requestWriter) wroteRequest() bool {
	if rw.finished() {
		return rw.err == nil
	}
	t := time.NewTimer(maxWriteWaitBeforeReuse)
	defer t.Stop()
	select {
	case <-rw.done:
		return rw.err == nil
	case <-t.C:
		return false
	}
}

// stop aborts a write still in progress and waits for the goroutine.
// Errors caused by the abort are not recorded. rc, when it supports it,
// unblocks a pending read of the client body. The connection must be
// discarded afterwards.
func (rw *requestWriter) stop(rc *http.ResponseController) {
	rw.mu.Lock()
	rw.aborted = true
	rw.mu.Unlock()

	if rw.finished() {
		return
	}
	_ = rw.conn.SetDeadline(aLongTimeAgo)
	if rc != nil {
		_ = rc.SetReadDeadline(aLongTimeAgo)
	}
	<-rw.done
}

// cause stops the writer and returns the error explaining a failed
// exchange: a backend write error, else a client body error, else
// readErr. Any of them counts as a timeout once ctx reached its deadline.
func (rw *requestWriter) cause(ctx context.Context, rc *http.ResponseController, readErr error, backendID string) error {
	rw.stop(rc)

	stage, err := "read", readErr
	switch connErr, bodyErr := rw.failure(); {
	case connErr != nil:
		stage, err = "write", connErr
	case bodyErr != nil:
		stage, err = "write", bodyErr
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) && !IsTimeout(err) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &UpstreamError{Backend: backendID, Stage: stage, Err: err}
}

// exchange writes out to conn and reads the final response headers while
// the request is being written. Interim 1xx responses are skipped.
func exchange(conn *pool.Conn, out *http.Request) (*http.Response, *requestWriter, error) {
	rw := writeRequest(conn, out)
	for {
		resp, err := http.ReadResponse(conn.Reader(), out)
		if err != nil {
			return nil, rw, err
		}
		if resp.StatusCode == http.StatusSwitchingProtocols {
			_ = resp.Body.Close()
			return nil, rw, errUnexpectedUpgrade
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 {
			continue
		}
		return resp, rw, nil
	}
}
