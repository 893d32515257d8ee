package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/runtime"
)

type fixture struct {
	rt     *runtime.Runtime
	srv    *Server
	proxy  string
	admin  string
	client *http.Client
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newEchoBackend answers with its name and the forwarded client address.
func newEchoBackend(t *testing.T, name string) (string, int) {
	t.Helper()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", name)
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		io.WriteString(w, name)
	}))
	t.Cleanup(b.Close)
	addr := b.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// listenerYAML is appended to the listener entry.
func newFixture(t *testing.T, listenerYAML, extra string, opts Options) *fixture {
	t.Helper()
	host, port := newEchoBackend(t, "a")
	listenPort := freePort(t)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
listeners:
  - name: main
    host: 127.0.0.1
    port: %d
%s
backends:
  - id: a
    host: %s
    port: %d
directors:
  - id: api
    backends: [a]
routes:
  - id: api
    path: /api/*
    director: api
health:
  disabled: true
admin:
  listen_address: 127.0.0.1:0
%s`, listenPort, listenerYAML, host, port, extra)))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	rt, err := runtime.New(cfg, "test")
	if err != nil {
		t.Fatalf("runtime.New() error = %v", err)
	}
	srv := New(rt, opts)
	if err := srv.Start(context.Background()); err != nil {
		rt.Close(context.Background())
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		rt.Close(ctx)
	})

	return &fixture{
		rt:     rt,
		srv:    srv,
		proxy:  srv.Addr("main").String(),
		admin:  "http://" + srv.AdminAddr().String(),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *fixture) do(t *testing.T, method, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestServer_ProxiesThroughListener(t *testing.T) {
	f := newFixture(t, "", "", Options{})

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{name: "routed", path: "/api/items", status: http.StatusOK, body: "a"},
		{name: "unrouted", path: "/nothing", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, "http://"+f.proxy+tt.path)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.body != "" && body != tt.body {
				t.Errorf("body = %q, want %q", body, tt.body)
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Error("response has no X-Request-ID")
			}
		})
	}
}

func TestServer_AdminDrainAndUndrain(t *testing.T) {
	f := newFixture(t, "", "", Options{})

	resp, _ := f.do(t, http.MethodPost, f.admin+"/backends/a/drain")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drain status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "http://"+f.proxy+"/api/x"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("proxy status while drained = %d, want 503", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, f.admin+"/status/backends")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status/backends = %d", resp.StatusCode)
	}
	var status BackendsStatus
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode backends status: %v", err)
	}
	if status.Counts["DRAINING"] != 1 {
		t.Errorf("counts = %v, want one draining backend", status.Counts)
	}

	if resp, _ := f.do(t, http.MethodPost, f.admin+"/backends/a/undrain"); resp.StatusCode != http.StatusOK {
		t.Fatalf("undrain status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "http://"+f.proxy+"/api/x"); resp.StatusCode != http.StatusOK {
		t.Errorf("proxy status after undrain = %d, want 200", resp.StatusCode)
	}

	if resp, _ := f.do(t, http.MethodPost, f.admin+"/backends/missing/drain"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("drain unknown backend = %d, want 404", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, f.admin+"/backends/a/drain"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET drain = %d, want 405", resp.StatusCode)
	}
}

func TestServer_AdminStatusEndpoints(t *testing.T) {
	f := newFixture(t, "", "", Options{})
	f.do(t, http.MethodGet, "http://"+f.proxy+"/api/x")

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{path: "/status/routes", status: http.StatusOK, contains: `"strategy":"round-robin"`},
		{path: "/status/pool", status: http.StatusOK, contains: `"backend":"a"`},
		{path: "/status/certificates", status: http.StatusOK, contains: `"certificates"`},
		{path: "/status/listeners", status: http.StatusOK, contains: `"name":"main"`},
		{path: "/health", status: http.StatusOK},
		{path: "/ready", status: http.StatusOK},
		{path: "/version", status: http.StatusOK},
		{path: "/metrics", status: http.StatusOK, contains: "carapace_proxy_requests_total"},
		{path: "/events", status: http.StatusNotFound, contains: "events_disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, f.admin+tt.path)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, body)
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("body %s does not contain %s", body, tt.contains)
			}
		})
	}
}

func TestServer_AdminEvents(t *testing.T) {
	f := newFixture(t, "", `
events:
  enabled: true
`, Options{})
	f.do(t, http.MethodGet, "http://"+f.proxy+"/api/x")

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := f.do(t, http.MethodGet, f.admin+"/events?kind=request_outcome&limit=10")
		var out struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			t.Fatalf("decode events: %v", err)
		}
		if out.Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events count = %d, want 1", out.Count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, q := range []string{"limit=0", "limit=abc", "since=yesterday"} {
		if resp, _ := f.do(t, http.MethodGet, f.admin+"/events?"+q); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET /events?%s = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestServer_AdminReload(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, "", "", Options{})
		if resp, _ := f.do(t, http.MethodPost, f.admin+"/reload"); resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", resp.StatusCode)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t, "", "", Options{Reload: func(context.Context) error {
			return errors.New("routes[0].director: unknown director")
		}})
		resp, body := f.do(t, http.MethodPost, f.admin+"/reload")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if !strings.Contains(body, "unknown director") {
			t.Errorf("body %s does not carry the reload error", body)
		}
	})

	t.Run("applied", func(t *testing.T) {
		var f *fixture
		f = newFixture(t, "", "", Options{Reload: func(context.Context) error {
			next := *f.rt.Config()
			next.Routes = append([]config.RouteConfig(nil), next.Routes...)
			next.Routes[0].Action = config.ActionStatic
			next.Routes[0].StaticStatus = http.StatusTeapot
			return f.rt.Apply(&next)
		}})
		if resp, _ := f.do(t, http.MethodPost, f.admin+"/reload"); resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if resp, _ := f.do(t, http.MethodGet, "http://"+f.proxy+"/api/x"); resp.StatusCode != http.StatusTeapot {
			t.Errorf("proxy status after reload = %d, want 418", resp.StatusCode)
		}
	})
}

func TestServer_AdmissionControl(t *testing.T) {
	f := newFixture(t, "    max_connections: 1", "", Options{})

	holder, err := net.Dial("tcp", f.proxy)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer holder.Close()
	// Make sure the first connection owns the only slot.
	fmt.Fprintf(holder, "GET /api/x HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if _, err := http.ReadResponse(bufio.NewReader(holder), nil); err != nil {
		t.Fatalf("holder response: %v", err)
	}

	waiting, err := net.Dial("tcp", f.proxy)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer waiting.Close()
	fmt.Fprintf(waiting, "GET /api/x HTTP/1.1\r\nHost: example.com\r\n\r\n")

	br := bufio.NewReader(waiting)
	waiting.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := br.Peek(1); err == nil {
		t.Fatal("second connection was served while the limit was reached")
	}

	status := f.srv.ListenerStatus()
	if len(status) != 1 {
		t.Fatalf("ListenerStatus() = %+v, want one listener", status)
	}
	if st := status[0]; st.Name != "main" || st.Open != 1 || st.MaxConnections != 1 || !st.Saturated {
		t.Errorf("ListenerStatus()[0] = %+v, want main with 1/1 open and saturated", st)
	}

	holder.Close()
	waiting.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("queued connection was not served after a slot freed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_MaxKeepAliveRequests(t *testing.T) {
	f := newFixture(t, "    max_keep_alive_requests: 2", "", Options{})

	conn, err := net.Dial("tcp", f.proxy)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)

	for i, wantClose := range []bool{false, true} {
		fmt.Fprintf(conn, "GET /api/x HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.Close != wantClose {
			t.Errorf("request %d: Close = %v, want %v", i+1, resp.Close, wantClose)
		}
	}

	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("connection still open after the request limit: %v", err)
	}
}

func TestServer_HeaderTooLarge(t *testing.T) {
	f := newFixture(t, "    max_header_bytes: 1024", "", Options{})

	req, _ := http.NewRequest(http.MethodGet, "http://"+f.proxy+"/api/x", nil)
	req.Header.Set("X-Large", strings.Repeat("x", 16*1024))
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("status = %d, want 431", resp.StatusCode)
	}
}

func TestServer_ProxyProtocol(t *testing.T) {
	f := newFixture(t, "    proxy_protocol: true", "", Options{})

	conn, err := net.Dial("tcp", f.proxy)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "PROXY TCP4 192.0.2.10 127.0.0.1 56324 443\r\n")
	fmt.Fprintf(conn, "GET /api/x HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Seen-Forwarded-For"); got != "192.0.2.10" {
		t.Errorf("backend saw X-Forwarded-For %q, want 192.0.2.10", got)
	}
}

func TestServer_TLSListener(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir, "example.com")

	f := newFixture(t, "    tls: true", fmt.Sprintf(`
certificates:
  entries:
    - hostname: example.com
      cert_file: %s
      key_file: %s
`, certFile, keyFile), Options{})

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{
			ServerName:         "example.com",
			InsecureSkipVerify: true,
		}},
	}
	resp, err := client.Get("https://" + f.proxy + "/api/x")
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		t.Fatal("no peer certificate")
	}
	if cn := resp.TLS.PeerCertificates[0].Subject.CommonName; cn != "example.com" {
		t.Errorf("certificate CN = %q, want example.com", cn)
	}
	if resp.ProtoMajor != 1 {
		t.Errorf("protocol = %s, want HTTP/1.x", resp.Proto)
	}
}

func TestServer_ShutdownFailsReadiness(t *testing.T) {
	f := newFixture(t, "", "", Options{})

	if !f.rt.Health.CheckReadiness(context.Background()).Ready() {
		t.Fatal("not ready while serving")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if f.rt.Health.CheckReadiness(context.Background()).Ready() {
		t.Error("ready after shutdown")
	}
	if f.srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
	if _, err := net.DialTimeout("tcp", f.proxy, time.Second); err == nil {
		t.Error("listener still accepts connections after shutdown")
	}
}

func TestServer_StartTwice(t *testing.T) {
	f := newFixture(t, "", "", Options{})
	if err := f.srv.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func writeSelfSigned(t *testing.T, dir, cn string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile := filepath.Join(dir, cn+".crt")
	keyFile := filepath.Join(dir, cn+".key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestParseEventQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		limit   int
		wantErr bool
	}{
		{name: "defaults", query: "", limit: defaultEventLimit},
		{name: "explicit limit", query: "limit=5", limit: 5},
		{name: "capped limit", query: "limit=" + strconv.Itoa(maxEventLimit*2), limit: maxEventLimit},
		{name: "timestamps", query: "since=2026-01-01T00:00:00Z&until=2026-01-02T00:00:00Z", limit: defaultEventLimit},
		{name: "negative limit", query: "limit=-1", wantErr: true},
		{name: "bad since", query: "since=now", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/events?"+tt.query, nil)
			q, err := parseEventQuery(r)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseEventQuery() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEventQuery() error = %v", err)
			}
			if q.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", q.Limit, tt.limit)
			}
		})
	}
}
