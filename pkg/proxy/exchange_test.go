package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/pool"
)

// finishedWriter returns a requestWriter whose goroutine already ended
// with the given errors.
func finishedWriter(connErr, bodyErr error) *requestWriter {
	rw := &requestWriter{done: make(chan struct{}), connErr: connErr, bodyErr: bodyErr}
	close(rw.done)
	return rw
}

func TestRequestWriter_Cause(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		connErr   error
		bodyErr   error
		readErr   error
		wantStage string
		timeout   bool
		stale     bool
	}{
		{
			name:      "read failure",
			ctx:       context.Background(),
			readErr:   io.ErrUnexpectedEOF,
			wantStage: "read",
			stale:     true,
		},
		{
			name:      "backend write failure wins over read",
			ctx:       context.Background(),
			connErr:   syscall.EPIPE,
			readErr:   errors.New("malformed HTTP response"),
			wantStage: "write",
			stale:     true,
		},
		{
			name:      "client body failure",
			ctx:       context.Background(),
			bodyErr:   errors.New("unexpected EOF reading body"),
			readErr:   errors.New("i/o deadline"),
			wantStage: "write",
		},
		{
			name:      "route deadline makes a timeout",
			ctx:       expired,
			connErr:   syscall.ECONNRESET,
			readErr:   io.EOF,
			wantStage: "write",
			timeout:   true,
			stale:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := finishedWriter(tt.connErr, tt.bodyErr).cause(tt.ctx, nil, tt.readErr, "a")

			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("cause() = %T, want *UpstreamError", err)
			}
			if upErr.Stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", upErr.Stage, tt.wantStage)
			}
			if got := IsTimeout(err); got != tt.timeout {
				t.Errorf("IsTimeout() = %v, want %v (err %v)", got, tt.timeout, err)
			}
			if got := isStaleConnError(err); got != tt.stale {
				t.Errorf("isStaleConnError() = %v, want %v (err %v)", got, tt.stale, err)
			}
		})
	}
}

func TestExchange_ResetConnectionIsStale(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		_ = c.(*net.TCPConn).SetLinger(0)
		c.Close()
	}()

	p := pool.New(pool.Config{
		MaxPerBackend:  1,
		MaxTotal:       1,
		AcquireTimeout: time.Second,
		DialTimeout:    time.Second,
	}, &net.Dialer{}, events.Discard)
	defer p.Close()

	conn, err := p.Acquire(context.Background(), pool.Target{ID: "a", Address: l.Addr().String()}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Discard(conn)
	time.Sleep(50 * time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, "http://backend.test/blob", bytes.NewReader(make([]byte, 1<<20)))
	if err != nil {
		t.Fatal(err)
	}
	resp, rw, err := exchange(conn, req)
	if err == nil {
		resp.Body.Close()
		t.Fatal("exchange() with a reset connection succeeded")
	}
	err = rw.cause(context.Background(), nil, err, "a")

	if !errors.Is(err, ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
	if !isStaleConnError(err) {
		t.Errorf("error = %v, want a stale connection error", err)
	}
	if IsTimeout(err) {
		t.Errorf("error = %v classified as a timeout", err)
	}
}
