package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"carapaceproxy/carapace/pkg/proxy/middleware"
)

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("X-Custom-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("X-Kept", "yes")

	removeHopHeaders(h)

	for _, name := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Transfer-Encoding", "Upgrade"} {
		if h.Get(name) != "" {
			t.Errorf("%s was not removed", name)
		}
	}
	if h.Get("X-Kept") != "yes" {
		t.Error("end-to-end header removed")
	}
}

func TestOutgoingRequest(t *testing.T) {
	tests := []struct {
		name      string
		build     func() *http.Request
		wantXFF   string
		wantProto string
		wantChunk bool
		wantBody  bool
	}{
		{
			name: "plain get",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "http://example.com/a?b=c", nil)
			},
			wantXFF:   "192.0.2.1",
			wantProto: "http",
		},
		{
			name: "tls with prior proxy",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
				r.TLS = &tls.ConnectionState{}
				r.Header.Set("X-Forwarded-For", "203.0.113.9")
				return r
			},
			wantXFF:   "203.0.113.9, 192.0.2.1",
			wantProto: "https",
		},
		{
			name: "streamed body",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "http://example.com/up", strings.NewReader("data"))
				r.ContentLength = -1
				r.Header.Set("Expect", "100-continue")
				return r
			},
			wantXFF:   "192.0.2.1",
			wantProto: "http",
			wantChunk: true,
			wantBody:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.build()
			var body io.ReadCloser
			if in.ContentLength != 0 {
				body = &countingReader{r: in.Body}
			}
			ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "rid")

			out := outgoingRequest(ctx, in, body, "10.0.0.1:80")

			if out.RequestURI != "" {
				t.Error("RequestURI not cleared")
			}
			if got := out.Header.Get("X-Forwarded-For"); got != tt.wantXFF {
				t.Errorf("X-Forwarded-For = %q, want %q", got, tt.wantXFF)
			}
			if got := out.Header.Get("X-Forwarded-Proto"); got != tt.wantProto {
				t.Errorf("X-Forwarded-Proto = %q, want %q", got, tt.wantProto)
			}
			if got := out.Header.Get("X-Forwarded-Host"); got != "example.com" {
				t.Errorf("X-Forwarded-Host = %q", got)
			}
			if out.Header.Get("Expect") != "" {
				t.Error("Expect forwarded")
			}
			if out.Header.Get(middleware.RequestIDHeader) != "rid" {
				t.Error("request id not forwarded")
			}
			if (out.Body != nil) != tt.wantBody {
				t.Errorf("body present = %v, want %v", out.Body != nil, tt.wantBody)
			}
			if chunked := len(out.TransferEncoding) > 0; chunked != tt.wantChunk {
				t.Errorf("chunked = %v, want %v", chunked, tt.wantChunk)
			}
			// The inbound request must stay untouched.
			if in.Header.Get("X-Forwarded-Proto") != "" {
				t.Error("inbound headers were modified")
			}
		})
	}
}

func TestShouldFlush(t *testing.T) {
	tests := []struct {
		name   string
		length int64
		ctype  string
		want   bool
	}{
		{"known length", 10, "text/plain", false},
		{"unknown length", -1, "application/json", true},
		{"event stream", 10, "text/event-stream; charset=utf-8", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{ContentLength: tt.length, Header: http.Header{}}
			resp.Header.Set("Content-Type", tt.ctype)
			if got := shouldFlush(resp); got != tt.want {
				t.Errorf("shouldFlush() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBufferPool(t *testing.T) {
	bp := newBufferPool(0)
	b := bp.Get()
	if len(*b) != DefaultBufferSize {
		t.Fatalf("buffer size = %d, want %d", len(*b), DefaultBufferSize)
	}
	bp.Put(b)

	small := make([]byte, 10)
	bp.Put(&small)
	if got := bp.Get(); len(*got) != DefaultBufferSize {
		t.Errorf("foreign buffer size %d was pooled", len(*got))
	}
}

func TestIsIdempotent(t *testing.T) {
	for method, want := range map[string]bool{
		http.MethodGet:    true,
		http.MethodPut:    true,
		http.MethodDelete: true,
		http.MethodPost:   false,
		http.MethodPatch:  false,
	} {
		if got := isIdempotent(method); got != want {
			t.Errorf("isIdempotent(%s) = %v, want %v", method, got, want)
		}
	}
}
