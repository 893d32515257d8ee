package proxy

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"carapaceproxy/carapace/pkg/proxy/middleware"
)

// hopHeaders are connection-scoped headers that must not be forwarded.
// Expect is dropped as well: the proxy never relays interim responses.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders deletes hop-by-hop headers, including any header named
// in a Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// outgoingRequest builds the request sent to a backend. The body is shared
// across attempts; the caller decides whether a retry may reuse it.
func outgoingRequest(ctx context.Context, in *http.Request, body io.ReadCloser, fallbackHost string) *http.Request {
	out := in.Clone(ctx)
	out.RequestURI = ""
	out.Close = false

	if in.ContentLength == 0 || body == nil {
		out.Body = nil
		out.ContentLength = 0
	} else {
		out.Body = body
	}

	removeHopHeaders(out.Header)
	out.Header.Del("Expect")
	out.TransferEncoding = nil
	if in.ContentLength < 0 && out.Body != nil {
		out.TransferEncoding = []string{"chunked"}
	}

	// An empty User-Agent keeps Request.Write from adding its own.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}
	if out.Host == "" {
		out.Host = fallbackHost
	}

	setForwardedHeaders(out, in)
	if id := middleware.GetRequestID(ctx); id != "" {
		out.Header.Set(middleware.RequestIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out
}

// setForwardedHeaders appends the client address to X-Forwarded-For and
// records the original scheme and host.
func setForwardedHeaders(out, in *http.Request) {
	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
}

// copyResponseHeader copies backend response headers to the client,
// dropping hop-by-hop ones and announcing trailers.
func copyResponseHeader(dst http.Header, resp *http.Response) {
	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for k := range resp.Trailer {
		dst.Add("Trailer", k)
	}
}

func copyTrailer(dst http.Header, resp *http.Response) {
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			dst.Add(http.TrailerPrefix+k, v)
		}
	}
}

// shouldFlush reports whether each relayed chunk must be flushed to the
// client immediately.
func shouldFlush(resp *http.Response) bool {
	if resp.ContentLength == -1 {
		return true
	}
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return ct == "text/event-stream"
}

// countingReader counts bytes read from the client request body. Close is
// a no-op: the server owns the inbound body.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) Close() error { return nil }

func (c *countingReader) consumed() bool {
	return c != nil && c.n.Load() > 0
}

// sourceReader remembers the last read error so a failed copy can be
// attributed to the backend rather than to the client.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// clientWriter writes to the client, optionally flushing after every write.
// It hides io.ReaderFrom so that io.CopyBuffer uses the pooled buffer.
type clientWriter struct {
	w     io.Writer
	rc    *http.ResponseController
	flush bool
}

func (c *clientWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if c.flush {
		if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return n, err
		}
	}
	return n, nil
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
