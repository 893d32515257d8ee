package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"carapaceproxy/carapace/internal/testutil"
	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/proxy/middleware"
	"carapaceproxy/carapace/pkg/proxy/types"
	"carapaceproxy/carapace/pkg/routing"
	"carapaceproxy/carapace/pkg/routing/strategies"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) byKind(kind events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// waitFor returns the first event of kind, waiting for it to be emitted.
// Outcome events are emitted after the response reached the client.
func (l *eventLog) waitFor(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := l.byKind(kind); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event emitted", kind)
	return events.Event{}
}

// countingPool records every Acquire per backend.
type countingPool struct {
	*pool.Pool
	mu       sync.Mutex
	acquired map[string]int
}

func (c *countingPool) Acquire(ctx context.Context, target pool.Target, timeout time.Duration) (*pool.Conn, error) {
	c.mu.Lock()
	c.acquired[target.ID]++
	c.mu.Unlock()
	return c.Pool.Acquire(ctx, target, timeout)
}

func (c *countingPool) acquires() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.acquired))
	for k, v := range c.acquired {
		out[k] = v
	}
	return out
}

type harness struct {
	manager *backends.Manager
	pool    *countingPool
	events  *eventLog
	front   *httptest.Server
}

type harnessOptions struct {
	routes      []routing.Route
	maxAttempts int
	threshold   int
}

func apiRoute(timeout time.Duration) routing.Route {
	return routing.Route{ID: "api", Enabled: true, Path: "/api/*", Director: "api", Timeout: timeout, Retries: -1}
}

func newHarness(t *testing.T, defs []backends.Definition, opts harnessOptions) *harness {
	t.Helper()

	log := &eventLog{}
	manager := backends.NewManager(backends.ManagerConfig{FailureThreshold: opts.threshold}, log)
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	manager.Load(defs, map[string][]string{"api": ids})

	routes := opts.routes
	if routes == nil {
		routes = []routing.Route{
			apiRoute(2 * time.Second),
			{ID: "teapot", Enabled: true, Path: "/teapot", Action: routing.ActionStatic,
				StaticStatus: http.StatusTeapot, StaticBody: "short and stout", StaticContentType: "text/plain"},
		}
	}
	table, err := routing.NewTable(routes)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	stats := routing.NewAtomicRoutingStats()
	router := routing.NewRouter(table, stats)

	strategy, err := strategies.New(strategies.NameRoundRobin, nil)
	if err != nil {
		t.Fatal(err)
	}
	selector := routing.NewSelector(routing.SelectorConfig{Strategy: strategy, MaxAttempts: opts.maxAttempts}, stats)

	p := pool.New(pool.Config{
		MaxPerBackend:  4,
		MaxTotal:       16,
		AcquireTimeout: time.Second,
		DialTimeout:    time.Second,
	}, &net.Dialer{}, log)
	t.Cleanup(func() { p.Close() })
	cp := &countingPool{Pool: p, acquired: make(map[string]int)}

	h, err := NewHandler(Options{
		Router:     router,
		Backends:   manager,
		Selector:   selector,
		Pool:       cp,
		Sink:       log,
		BufferSize: 1024,
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	front := httptest.NewServer(
		middleware.RecoveryMiddleware(middleware.RequestIDMiddleware(middleware.LoggingMiddleware(h))),
	)
	t.Cleanup(front.Close)

	return &harness{manager: manager, pool: cp, events: log, front: front}
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := h.front.Client().Get(h.front.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body of %s: %v", path, err)
	}
	return resp, string(body)
}

func closedDefinition(t *testing.T, id string) backends.Definition {
	host, port := testutil.ClosedAddr(t)
	return backends.Definition{ID: id, Host: host, Port: port, Weight: 1}
}

func blackholeDefinition(t *testing.T, id string) backends.Definition {
	host, port := testutil.NewBlackholeBackend(t).Addr()
	return backends.Definition{ID: id, Host: host, Port: port, Weight: 1}
}

func decodeError(t *testing.T, body string) types.ErrorDetail {
	t.Helper()
	var resp types.ErrorResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("error body %q is not JSON: %v", body, err)
	}
	return resp.Error
}

func TestHandler_ProxiesRequest(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{})

	req, _ := http.NewRequest(http.MethodGet, h.front.URL+"/api/hello?x=1", nil)
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "hop")
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := h.front.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "a" {
		t.Fatalf("response = %d %q, want 200 \"a\"", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Backend"); got != "a" {
		t.Errorf("X-Backend = %q, want a", got)
	}

	reqs := backend.Requests()
	if len(reqs) != 1 {
		t.Fatalf("backend saw %d requests, want 1", len(reqs))
	}
	seen := reqs[0]
	if seen.Path != "/api/hello" {
		t.Errorf("path = %q", seen.Path)
	}
	if seen.Header.Get("X-Secret") != "" {
		t.Error("header named in Connection was forwarded")
	}
	if got := seen.Header.Get("X-Forwarded-For"); got != "198.51.100.7, 127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := seen.Header.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if got := seen.Header.Get("X-Forwarded-Host"); got != strings.TrimPrefix(h.front.URL, "http://") {
		t.Errorf("X-Forwarded-Host = %q", got)
	}
	if got := seen.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}

	e := h.events.waitFor(t, events.KindRequestOutcome)
	if e.Status != http.StatusOK || e.Route != "api" || e.Backend != "a" || e.Attempts != 1 || e.RequestID != "req-42" {
		t.Errorf("outcome event = %+v", e)
	}
	if e.BytesOut != 1 {
		t.Errorf("BytesOut = %d, want 1", e.BytesOut)
	}
}

func TestHandler_ForwardsRequestBody(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{})

	payload := strings.Repeat("payload-", 1000)
	resp, err := h.front.Client().Post(h.front.URL+"/api/upload", "text/plain", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	reqs := backend.Requests()
	if len(reqs) != 1 || reqs[0].Body != payload || reqs[0].Method != http.MethodPost {
		t.Fatalf("backend did not receive the body intact")
	}
}

func TestHandler_FailingBackendsAreEachTriedOnce(t *testing.T) {
	tests := []struct {
		name         string
		failing      int
		maxAttempts  int
		retries      int
		wantAttempts int
	}{
		{name: "one", failing: 1, maxAttempts: 3, retries: -1, wantAttempts: 1},
		{name: "three within bound", failing: 3, maxAttempts: 3, retries: -1, wantAttempts: 3},
		{name: "five within bound", failing: 5, maxAttempts: 8, retries: -1, wantAttempts: 5},
		{name: "five with the default bound", failing: 5, retries: -1, wantAttempts: 5},
		{name: "bounded by max attempts", failing: 4, maxAttempts: 2, retries: -1, wantAttempts: 2},
		{name: "bounded by route retries", failing: 4, maxAttempts: 8, retries: 2, wantAttempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var defs []backends.Definition
			for i := 0; i < tt.failing; i++ {
				defs = append(defs, closedDefinition(t, string(rune('a'+i))))
			}
			route := apiRoute(2 * time.Second)
			route.Retries = tt.retries
			h := newHarness(t, defs, harnessOptions{routes: []routing.Route{route}, maxAttempts: tt.maxAttempts})

			resp, body := h.get(t, "/api/x")
			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", resp.StatusCode)
			}
			if detail := decodeError(t, body); detail.Code != types.CodeNoBackend {
				t.Errorf("code = %q, want %q", detail.Code, types.CodeNoBackend)
			}

			acquired := h.pool.acquires()
			total := 0
			for id, n := range acquired {
				if n != 1 {
					t.Errorf("backend %s acquired %d times, want 1", id, n)
				}
				total += n
			}
			if total != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", total, tt.wantAttempts)
			}

			e := h.events.waitFor(t, events.KindRequestOutcome)
			if e.Attempts != tt.wantAttempts || e.Status != http.StatusServiceUnavailable {
				t.Errorf("outcome event = %+v", e)
			}
			if n := len(h.events.byKind(events.KindHealthPressure)); n != 1 {
				t.Errorf("health pressure events = %d, want 1", n)
			}
		})
	}
}

func TestHandler_RoutesAroundDownBackend(t *testing.T) {
	a := testutil.NewMockBackend(t, "a")
	b := testutil.NewMockBackend(t, "b")
	h := newHarness(t, []backends.Definition{a.Definition(), b.Definition()}, harnessOptions{})

	if err := h.manager.SetHealth("a", backends.StateDown); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		resp, body := h.get(t, "/api/items")
		if resp.StatusCode != http.StatusOK || body != "b" {
			t.Fatalf("request %d: got %d %q, want 200 \"b\"", i, resp.StatusCode, body)
		}
	}
	if a.RequestCount() != 0 {
		t.Errorf("DOWN backend received %d requests", a.RequestCount())
	}
}

func TestHandler_FailoverToHealthyBackend(t *testing.T) {
	good := testutil.NewMockBackend(t, "good")
	h := newHarness(t, []backends.Definition{closedDefinition(t, "dead"), good.Definition()}, harnessOptions{})

	resp, body := h.get(t, "/api/x")
	if resp.StatusCode != http.StatusOK || body != "good" {
		t.Fatalf("got %d %q, want 200 \"good\"", resp.StatusCode, body)
	}

	e := h.events.waitFor(t, events.KindRequestOutcome)
	if e.Attempts != 2 || e.Backend != "good" {
		t.Errorf("outcome event = %+v, want 2 attempts ending on good", e)
	}

	dead, _ := h.manager.Get("dead")
	if dead.ConsecutiveFailures != 1 {
		t.Errorf("dead backend failures = %d, want 1", dead.ConsecutiveFailures)
	}
}

func TestHandler_NoMatchIs404(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{})

	resp, body := h.get(t, "/elsewhere")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	detail := decodeError(t, body)
	if detail.Type != types.ErrorTypeNotFound || detail.Code != types.CodeNoRoute {
		t.Errorf("error = %+v", detail)
	}
	if backend.RequestCount() != 0 {
		t.Error("unmatched request reached a backend")
	}
	if len(h.events.byKind(events.KindHealthPressure)) != 0 {
		t.Error("404 emitted a health pressure event")
	}
}

func TestHandler_AllBackendsDownIs503(t *testing.T) {
	a := testutil.NewMockBackend(t, "a")
	b := testutil.NewMockBackend(t, "b")
	h := newHarness(t, []backends.Definition{a.Definition(), b.Definition()}, harnessOptions{})
	_ = h.manager.SetHealth("a", backends.StateDown)
	_ = h.manager.Drain("b")

	resp, body := h.get(t, "/api/x")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if detail := decodeError(t, body); detail.Type != types.ErrorTypeServiceUnavailable {
		t.Errorf("error = %+v", detail)
	}

	e := h.events.waitFor(t, events.KindHealthPressure)
	if e.Route != "api" || e.Attempts != 0 {
		t.Errorf("health pressure event = %+v", e)
	}
	if a.RequestCount()+b.RequestCount() != 0 {
		t.Error("unavailable backend received a request")
	}
}

func TestHandler_TimeoutIs504(t *testing.T) {
	h := newHarness(t, []backends.Definition{blackholeDefinition(t, "hole")}, harnessOptions{
		routes: []routing.Route{apiRoute(100 * time.Millisecond)},
	})

	start := time.Now()
	resp, body := h.get(t, "/api/x")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if detail := decodeError(t, body); detail.Code != types.CodeBackendTimeout {
		t.Errorf("error = %+v", detail)
	}

	waitPoolIdle(t, h.pool.Pool)
	if st := h.pool.Stats(); st.Open != 0 {
		t.Errorf("timed out connection kept open: %+v", st)
	}
}

func TestHandler_TimeoutFailsOver(t *testing.T) {
	good := testutil.NewMockBackend(t, "good")
	h := newHarness(t, []backends.Definition{blackholeDefinition(t, "hole"), good.Definition()}, harnessOptions{
		routes: []routing.Route{apiRoute(100 * time.Millisecond)},
	})

	resp, body := h.get(t, "/api/x")
	if resp.StatusCode != http.StatusOK || body != "good" {
		t.Fatalf("got %d %q, want 200 \"good\"", resp.StatusCode, body)
	}
	if n := h.pool.acquires()["hole"]; n != 1 {
		t.Errorf("blackhole acquired %d times, want 1", n)
	}
}

func TestHandler_NonIdempotentRequestIsNotRetriedAfterSend(t *testing.T) {
	h := newHarness(t, []backends.Definition{blackholeDefinition(t, "h1"), blackholeDefinition(t, "h2")}, harnessOptions{
		routes: []routing.Route{apiRoute(100 * time.Millisecond)},
	})

	resp, err := h.front.Client().Post(h.front.URL+"/api/orders", "application/json", strings.NewReader(`{"qty":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	acquired := h.pool.acquires()
	if acquired["h1"]+acquired["h2"] != 1 {
		t.Errorf("POST attempted %v, want exactly one attempt", acquired)
	}
}

func TestHandler_StaticRoute(t *testing.T) {
	h := newHarness(t, []backends.Definition{closedDefinition(t, "a")}, harnessOptions{})

	resp, body := h.get(t, "/teapot")
	if resp.StatusCode != http.StatusTeapot || body != "short and stout" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	if len(h.pool.acquires()) != 0 {
		t.Error("static route touched the pool")
	}
	e := h.events.waitFor(t, events.KindRequestOutcome)
	if e.Route != "teapot" || e.Status != http.StatusTeapot || e.Attempts != 0 {
		t.Errorf("outcome event = %+v", e)
	}
}

func TestHandler_MidStreamErrorAbortsClient(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	backend.SetResponse("/api/big", testutil.MockResponse{
		Body:       strings.Repeat("x", 10000),
		AbortAfter: 3000,
	})
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{threshold: 1})

	resp, err := h.front.Client().Get(h.front.URL + "/api/big")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want relayed 200", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err == nil {
		t.Fatalf("client read %d bytes without error, want an aborted body", n)
	}
	if n >= 10000 {
		t.Errorf("client read %d bytes of a truncated body", n)
	}

	e := h.events.waitFor(t, events.KindRequestOutcome)
	if e.Error == "" || e.Backend != "a" {
		t.Errorf("outcome event = %+v, want the mid-stream error", e)
	}

	waitPoolIdle(t, h.pool.Pool)
	if st := h.pool.Stats(); st.Open != 0 {
		t.Errorf("aborted connection returned to the pool: %+v", st)
	}
	if b, _ := h.manager.Get("a"); b.Health != backends.StateDown {
		t.Errorf("health = %s, want DOWN after a mid-stream failure with threshold 1", b.Health)
	}
}

func TestHandler_StreamsChunksAsTheyArrive(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	backend.SetResponse("/api/events", testutil.MockResponse{
		Headers:    map[string]string{"Content-Type": "text/event-stream"},
		Chunks:     []string{"data: one\n\n", "data: two\n\n", "data: three\n\n"},
		ChunkDelay: 150 * time.Millisecond,
	})
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{})

	start := time.Now()
	resp, err := h.front.Client().Get(h.front.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "data: one\n" {
		t.Errorf("first line = %q", line)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("first chunk arrived after %v, the response was buffered", elapsed)
	}

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if want := "\ndata: two\n\ndata: three\n\n"; string(rest) != want {
		t.Errorf("rest = %q, want %q", rest, want)
	}
}

func TestHandler_ReusesBackendConnections(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{})

	for i := 0; i < 5; i++ {
		resp, body := h.get(t, "/api/x")
		if resp.StatusCode != http.StatusOK || body != "a" {
			t.Fatalf("request %d: %d %q", i, resp.StatusCode, body)
		}
	}

	if n := backend.ConnectionCount(); n != 1 {
		t.Errorf("backend accepted %d connections, want 1", n)
	}
	waitPoolIdle(t, h.pool.Pool)
	st := h.pool.Stats()
	if st.Idle != 1 || st.InUse != 0 {
		t.Errorf("pool stats = %+v, want one idle connection", st)
	}
}

func TestHandler_ClientCancellationReleasesConnection(t *testing.T) {
	backend := testutil.NewMockBackend(t, "a")
	backend.SetResponse("/api/slow", testutil.MockResponse{Delay: 5 * time.Second, Body: "late"})
	h := newHarness(t, []backends.Definition{backend.Definition()}, harnessOptions{
		routes: []routing.Route{apiRoute(10 * time.Second)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.front.URL+"/api/slow", nil)
	_, err := h.front.Client().Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("client error = %v, want deadline exceeded", err)
	}

	e := h.events.waitFor(t, events.KindRequestOutcome)
	if e.Status != StatusClientClosedRequest {
		t.Errorf("outcome status = %d, want %d", e.Status, StatusClientClosedRequest)
	}
	waitPoolIdle(t, h.pool.Pool)

	if b, _ := h.manager.Get("a"); b.ConsecutiveFailures != 0 {
		t.Errorf("client cancellation counted as backend failure")
	}
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	if _, err := NewHandler(Options{}); err == nil {
		t.Error("NewHandler(Options{}) succeeded")
	}
}

// waitPoolIdle waits until no connection is borrowed.
func waitPoolIdle(t *testing.T, p *pool.Pool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().InUse == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connections still borrowed: %+v", p.Stats())
}

// holdingDefinition starts a backend that reads request headers, writes
// reply (when set) and then holds the connection without reading the
// body.
func holdingDefinition(t *testing.T, id, reply string) backends.Definition {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			if reply == "" {
				continue
			}
			go func() {
				if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
					return
				}
				_, _ = io.WriteString(c, reply)
			}()
		}
	}()

	host, port := testutil.SplitAddr(l.Addr().String())
	return backends.Definition{ID: id, Host: host, Port: port, Weight: 1}
}

// sendWithBody writes a request with a size-byte body over a plain
// connection and reads the response without waiting for the body to be
// accepted. size must be a multiple of 64 KiB.
func sendWithBody(t *testing.T, addr, method, path string, size int) (*http.Response, string) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	head := method + " " + path + " HTTP/1.1\r\nHost: proxy.test\r\nContent-Length: " + strconv.Itoa(size) + "\r\n\r\n"
	if _, err := io.WriteString(c, head); err != nil {
		t.Fatal(err)
	}
	go func() {
		chunk := make([]byte, 64<<10)
		for sent := 0; sent < size; sent += len(chunk) {
			if _, err := c.Write(chunk); err != nil {
				return
			}
		}
	}()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatalf("reading response to %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body of %s %s: %v", method, path, err)
	}
	return resp, string(body)
}

func TestHandler_RelaysResponseSentBeforeBodyIsRead(t *testing.T) {
	reply := "HTTP/1.1 413 Request Entity Too Large\r\nContent-Length: 9\r\n\r\ntoo large"
	def := holdingDefinition(t, "a", reply)
	h := newHarness(t, []backends.Definition{def}, harnessOptions{
		routes: []routing.Route{apiRoute(5 * time.Second)},
	})

	start := time.Now()
	resp, body := sendWithBody(t, h.front.Listener.Addr().String(), http.MethodPost, "/api/upload", 32<<20)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || body != "too large" {
		t.Fatalf("got %d %q, want 413 \"too large\"", resp.StatusCode, body)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("early response took %v", elapsed)
	}

	// The unsent rest of the body makes the connection unusable.
	waitPoolIdle(t, h.pool.Pool)
	if st := h.pool.Stats(); st.Open != 0 {
		t.Errorf("connection with a partial request body kept: %+v", st)
	}
	if b, _ := h.manager.Get("a"); b.ConsecutiveFailures != 0 {
		t.Errorf("early response counted as a backend failure")
	}
}

func TestHandler_StreamsRequestAndResponseConcurrently(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.EnableFullDuplex()
		w.WriteHeader(http.StatusOK)
		_ = rc.Flush()
		_, _ = io.Copy(w, r.Body)
	}))
	t.Cleanup(echo.Close)
	host, port := testutil.SplitAddr(echo.Listener.Addr().String())

	h := newHarness(t, []backends.Definition{{ID: "echo", Host: host, Port: port, Weight: 1}}, harnessOptions{
		routes: []routing.Route{apiRoute(time.Second)},
	})

	payload := bytes.Repeat([]byte("0123456789abcdef"), (8<<20)/16)
	req, err := http.NewRequest(http.MethodPut, h.front.URL+"/api/echo", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.front.Client().Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("reading echo: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %d bytes, want the %d sent", len(got), len(payload))
	}
}

func TestHandler_BodyWriteTimeoutIs504(t *testing.T) {
	h := newHarness(t, []backends.Definition{holdingDefinition(t, "stalled", "")}, harnessOptions{
		routes: []routing.Route{apiRoute(200 * time.Millisecond)},
	})

	resp, body := sendWithBody(t, h.front.Listener.Addr().String(), http.MethodPut, "/api/blob", 32<<20)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if detail := decodeError(t, body); detail.Code != types.CodeBackendTimeout {
		t.Errorf("error = %+v", detail)
	}

	e := h.events.waitFor(t, events.KindRequestOutcome)
	if e.Status != http.StatusGatewayTimeout {
		t.Errorf("outcome status = %d, want 504", e.Status)
	}
	waitPoolIdle(t, h.pool.Pool)
	if st := h.pool.Stats(); st.Open != 0 {
		t.Errorf("timed out connection kept open: %+v", st)
	}
}
