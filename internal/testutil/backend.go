// Package testutil provides mock backends and fixtures shared by package
// tests.
package testutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"carapaceproxy/carapace/pkg/backends"
)

// MockBackend is an HTTP backend for proxy tests. It serves canned
// responses per path and records what it received.
type MockBackend struct {
	ID string

	server    *httptest.Server
	responses map[string]MockResponse
	requests  []RecordedRequest
	conns     map[string]bool
	mu        sync.Mutex
}

// MockResponse configures the reply for one path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string

	// Delay is slept before the status line is written.
	Delay time.Duration

	// Chunks are written and flushed one by one after Body.
	Chunks     []string
	ChunkDelay time.Duration

	// AbortAfter hijacks and closes the connection after this many body
	// bytes were written. Zero disables it.
	AbortAfter int
}

// RecordedRequest is what a MockBackend saw.
type RecordedRequest struct {
	Method     string
	Path       string
	Host       string
	Header     http.Header
	Body       string
	RemoteAddr string
}

// NewMockBackend starts a backend answering 200 "id" on every path
// without a configured response.
func NewMockBackend(t testing.TB, id string) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		ID:        id,
		responses: make(map[string]MockResponse),
		conns:     make(map[string]bool),
	}
	mb.server = httptest.NewUnstartedServer(http.HandlerFunc(mb.handler))
	mb.server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			mb.mu.Lock()
			mb.conns[c.RemoteAddr().String()] = true
			mb.mu.Unlock()
		}
	}
	mb.server.Start()
	t.Cleanup(mb.Close)
	return mb
}

// Definition returns the backend definition pointing at the server.
func (mb *MockBackend) Definition() backends.Definition {
	host, port := SplitAddr(mb.server.Listener.Addr().String())
	return backends.Definition{ID: mb.ID, Host: host, Port: port, Weight: 1}
}

// Addr returns host:port of the server.
func (mb *MockBackend) Addr() string {
	return mb.server.Listener.Addr().String()
}

// URL returns the base URL of the server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// Close stops the server. It is safe to call more than once.
func (mb *MockBackend) Close() {
	mb.server.CloseClientConnections()
	mb.server.Close()
}

// SetResponse sets the reply for path.
func (mb *MockBackend) SetResponse(path string, response MockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.responses[path] = response
}

// Requests returns the requests received so far.
func (mb *MockBackend) Requests() []RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]RecordedRequest(nil), mb.requests...)
}

// RequestCount returns the number of requests received.
func (mb *MockBackend) RequestCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.requests)
}

// ConnectionCount returns how many TCP connections the backend accepted.
func (mb *MockBackend) ConnectionCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.conns)
}

func (mb *MockBackend) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	mb.mu.Lock()
	mb.requests = append(mb.requests, RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       r.Host,
		Header:     r.Header.Clone(),
		Body:       string(body),
		RemoteAddr: r.RemoteAddr,
	})
	response, ok := mb.responses[r.URL.Path]
	mb.mu.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Backend", mb.ID)
		_, _ = io.WriteString(w, mb.ID)
		return
	}

	if response.Delay > 0 {
		select {
		case <-time.After(response.Delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("X-Backend", mb.ID)
	for k, v := range response.Headers {
		w.Header().Set(k, v)
	}

	if response.AbortAfter > 0 {
		mb.abortMidBody(w, response)
		return
	}

	status := response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response.Body)

	flusher, _ := w.(http.Flusher)
	for _, chunk := range response.Chunks {
		_, _ = io.WriteString(w, chunk)
		if flusher != nil {
			flusher.Flush()
		}
		if response.ChunkDelay > 0 {
			time.Sleep(response.ChunkDelay)
		}
	}
}

// abortMidBody announces the full body length, writes a prefix of it and
// drops the connection.
func (mb *MockBackend) abortMidBody(w http.ResponseWriter, response MockResponse) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	status := response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	n := response.AbortAfter
	if n > len(response.Body) {
		n = len(response.Body)
	}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nX-Backend: %s\r\n\r\n",
		status, http.StatusText(status), len(response.Body), mb.ID)
	_, _ = buf.WriteString(response.Body[:n])
	_ = buf.Flush()
}

// SplitAddr splits host:port, panicking on malformed input.
func SplitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}

// ClosedAddr returns an address nothing listens on.
func ClosedAddr(t testing.TB) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return SplitAddr(addr)
}

// BlackholeBackend accepts connections and never answers. Close stops it.
type BlackholeBackend struct {
	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	done     chan struct{}
}

// NewBlackholeBackend starts a listener that reads and discards requests.
func NewBlackholeBackend(t testing.TB) *BlackholeBackend {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &BlackholeBackend{listener: l, done: make(chan struct{})}
	go b.accept()
	t.Cleanup(b.Close)
	return b
}

func (b *BlackholeBackend) accept() {
	for {
		c, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, c)
		b.mu.Unlock()
		go func() { _, _ = io.Copy(io.Discard, c) }()
	}
}

// Addr returns host and port of the listener.
func (b *BlackholeBackend) Addr() (string, int) {
	return SplitAddr(b.listener.Addr().String())
}

// Close stops accepting and closes held connections.
func (b *BlackholeBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	b.listener.Close()
	for _, c := range b.conns {
		c.Close()
	}
}
