package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/proxy/middleware"
	"carapaceproxy/carapace/pkg/proxy/types"
	"carapaceproxy/carapace/pkg/routing"
)

// TracerName is the instrumentation name of the default tracer.
const TracerName = "carapace/proxy"

// aLongTimeAgo is a deadline in the past; setting it unblocks pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

var errUnexpectedUpgrade = errors.New("backend switched protocols")

// RouteMatcher resolves the route of a request.
type RouteMatcher interface {
	Match(r *http.Request) (*routing.Route, error)
}

// BackendDirectory lists backends and takes outcome reports.
type BackendDirectory interface {
	ListBackends(group string) []backends.Backend
	ReportOutcome(id string, success bool, err error)
}

// BackendSelector picks a backend for each attempt.
type BackendSelector interface {
	Select(group string, candidates []backends.Backend, tried map[string]bool) (backends.Backend, error)
	Attempts(routeRetries, candidates int) int
}

// ConnPool lends backend connections.
type ConnPool interface {
	Acquire(ctx context.Context, target pool.Target, timeout time.Duration) (*pool.Conn, error)
	Release(c *pool.Conn)
	Discard(c *pool.Conn)
}

// Tracer starts spans. *tracing.Tracer and every trace.Tracer satisfy it.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

// Options configures a Handler. Router, Backends, Selector and Pool are
// required.
type Options struct {
	Router   RouteMatcher
	Backends BackendDirectory
	Selector BackendSelector
	Pool     ConnPool

	// Sink receives request outcome and health pressure events.
	// Defaults to events.Discard.
	Sink events.Sink

	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer Tracer

	// BufferSize is the relay buffer size. Defaults to DefaultBufferSize.
	BufferSize int

	// AcquireTimeout bounds the wait for a pooled connection. Zero uses
	// the pool's own default.
	AcquireTimeout time.Duration
}

// Handler proxies requests: one Session per request, driven through
// routing, backend selection, connection and forwarding.
type Handler struct {
	router         RouteMatcher
	backends       BackendDirectory
	selector       BackendSelector
	pool           ConnPool
	sink           events.Sink
	tracer         Tracer
	buffers        *bufferPool
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// NewHandler creates a proxy handler.
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Router == nil:
		return nil, errors.New("proxy: router is required")
	case opts.Backends == nil:
		return nil, errors.New("proxy: backend directory is required")
	case opts.Selector == nil:
		return nil, errors.New("proxy: selector is required")
	case opts.Pool == nil:
		return nil, errors.New("proxy: connection pool is required")
	}

	h := &Handler{
		router:         opts.Router,
		backends:       opts.Backends,
		selector:       opts.Selector,
		pool:           opts.Pool,
		sink:           opts.Sink,
		tracer:         opts.Tracer,
		buffers:        newBufferPool(opts.BufferSize),
		acquireTimeout: opts.AcquireTimeout,
		logger:         slog.Default().With("component", "proxy"),
	}
	if h.sink == nil {
		h.sink = events.Discard
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer(TracerName)
	}
	return h, nil
}

// ServeHTTP runs one proxy session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := NewSession(middleware.GetRequestID(ctx), middleware.GetListener(ctx), time.Now())

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "proxy.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("server.address", r.Host),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request.id", s.RequestID),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	h.serve(w, r, s)
	h.finish(r, s, span)

	if s.Aborted {
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, s *Session) {
	h.enter(s, StateRouting)
	route, err := h.router.Match(r)
	if err != nil {
		h.fail(w, r, s, err)
		return
	}
	s.Route = route

	if route.Action == routing.ActionStatic {
		h.serveStatic(w, r, s)
		return
	}
	h.forward(w, r, s)
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, s *Session) {
	h.enter(s, StateCompleting)

	route := s.Route
	status := route.StaticStatus
	if status == 0 {
		status = http.StatusOK
	}
	contentType := route.StaticContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(route.StaticBody)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		n, _ := io.WriteString(w, route.StaticBody)
		s.BytesOut = int64(n)
	}

	s.Status = status
	h.enter(s, StateDone)
}

type attemptResult int

const (
	// attemptDone: the session ended, successfully or not.
	attemptDone attemptResult = iota
	// attemptRetry: failed before response headers; another backend may be tried.
	attemptRetry
	// attemptFinal: failed before response headers and must not be retried.
	attemptFinal
)

// forward tries backends of the route's director until one answers or the
// failover bound is reached. No backend is tried twice.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, s *Session) {
	route := s.Route

	var body *countingReader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = &countingReader{r: r.Body}
		// The body is read while the response is written.
		_ = http.NewResponseController(w).EnableFullDuplex()
	}

	candidates := h.backends.ListBackends(route.Director)
	limit := h.selector.Attempts(route.Retries, len(candidates))

	for s.Attempts < limit {
		h.enter(s, StateSelecting)
		b, err := h.selector.Select(route.Director, candidates, s.tried)
		if err != nil {
			s.recordFailure(err)
			break
		}
		s.markTried(b.ID)

		switch h.attempt(w, r, s, b, body) {
		case attemptDone:
			return
		case attemptFinal:
			h.fail(w, r, s, s.exhausted())
			return
		}

		if r.Context().Err() != nil {
			h.fail(w, r, s, ErrClientGone)
			return
		}
		candidates = h.backends.ListBackends(route.Director)
	}

	h.fail(w, r, s, s.exhausted())
}

// attempt runs one backend exchange: acquire, write the request, read the
// response headers and relay the response.
func (h *Handler) attempt(w http.ResponseWriter, r *http.Request, s *Session, b backends.Backend, body *countingReader) attemptResult {
	h.enter(s, StateConnecting)

	ctx, span := h.tracer.Start(r.Context(), "proxy.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.id", b.ID),
			attribute.String("server.address", b.Address()),
			attribute.Int("proxy.attempt", s.Attempts),
		),
	)
	defer span.End()

	// The route timeout bounds acquiring, sending and waiting for response
	// headers. Relaying the body is bounded by the client only.
	if s.Route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Route.Timeout)
		defer cancel()
	}

	conn, err := h.pool.Acquire(ctx, pool.Target{ID: b.ID, Address: b.Address()}, h.acquireTimeout)
	if err != nil {
		return h.attemptFailed(r, s, span, b, nil, body, err)
	}
	span.SetAttributes(attribute.Bool("connection.reused", conn.Reused()))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	h.enter(s, StateForwarding)
	var reqBody io.ReadCloser
	var rc *http.ResponseController
	if body != nil {
		reqBody = body
		rc = http.NewResponseController(w)
	}
	out := outgoingRequest(ctx, r, reqBody, b.Address())

	resp, rw, err := exchange(conn, out)
	if err != nil {
		stop()
		err = rw.cause(ctx, rc, err, b.ID)
		h.pool.Discard(conn)
		return h.attemptFailed(r, s, span, b, conn, body, err)
	}
	if !stop() {
		// The deadline fired as the headers arrived; the connection is
		// already poisoned.
		_ = resp.Body.Close()
		err = rw.cause(ctx, rc, ctx.Err(), b.ID)
		h.pool.Discard(conn)
		return h.attemptFailed(r, s, span, b, conn, body, err)
	}

	h.backends.ReportOutcome(b.ID, true, nil)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	h.relay(w, r, s, b, conn, rw, rc, resp, span)
	return attemptDone
}

// attemptFailed classifies a failure that happened before any response
// byte reached the client.
func (h *Handler) attemptFailed(r *http.Request, s *Session, span trace.Span, b backends.Backend, conn *pool.Conn, body *countingReader, err error) attemptResult {
	if r.Context().Err() != nil {
		s.Fail(StatusClientClosedRequest, ErrClientGone)
		span.SetStatus(codes.Error, ErrClientGone.Error())
		return attemptDone
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.recordFailure(err)

	reused := conn != nil && conn.Reused()
	stale := reused && isStaleConnError(err)

	var waitErr *pool.TimeoutError
	switch {
	case errors.As(err, &waitErr):
		// Pool saturation says nothing about the backend's health.
	case stale:
		// A keep-alive connection closed by the backend while idle.
	default:
		h.backends.ReportOutcome(b.ID, false, err)
	}

	h.logger.Warn("backend attempt failed",
		"request_id", s.RequestID,
		"route", s.Route.ID,
		"backend", b.ID,
		"attempt", s.Attempts,
		"reused", reused,
		"error", err,
	)

	if errors.Is(err, pool.ErrClosed) {
		return attemptFinal
	}
	// Nothing was sent when the connection could not be obtained.
	if conn == nil {
		return attemptRetry
	}
	if body.consumed() {
		return attemptFinal
	}
	if isIdempotent(r.Method) || stale {
		return attemptRetry
	}
	return attemptFinal
}

// relay streams resp to the client and settles the connection. The
// request body may still be streaming to the backend meanwhile.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, s *Session, b backends.Backend, conn *pool.Conn, rw *requestWriter, rc *http.ResponseController, resp *http.Response, span trace.Span) {
	stop := context.AfterFunc(r.Context(), func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	copyResponseHeader(w.Header(), resp)
	w.WriteHeader(resp.StatusCode)
	s.Status = resp.StatusCode

	buf := h.buffers.Get()
	src := &sourceReader{r: resp.Body}
	dst := &clientWriter{w: w, rc: http.NewResponseController(w), flush: shouldFlush(resp)}
	n, err := io.CopyBuffer(dst, src, *buf)
	h.buffers.Put(buf)
	s.BytesOut = n

	stopped := stop()
	h.enter(s, StateCompleting)

	switch {
	case err == nil:
		copyTrailer(w.Header(), resp)
		_ = resp.Body.Close()
		h.settle(conn, rw, rc, stopped && !resp.Close)
		h.enter(s, StateDone)

	case r.Context().Err() != nil:
		_ = resp.Body.Close()
		h.settle(conn, rw, rc, false)
		s.Fail(resp.StatusCode, ErrClientGone)

	case src.err != nil:
		// Headers are gone; the only honest signal left is to cut the
		// client connection.
		_ = resp.Body.Close()
		h.settle(conn, rw, rc, false)
		h.backends.ReportOutcome(b.ID, false, src.err)
		err = fmt.Errorf("backend %s: response body: %w", b.ID, src.err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "response aborted")
		s.Fail(resp.StatusCode, err)
		s.Aborted = true
		h.logger.Warn("backend response aborted mid-stream",
			"request_id", s.RequestID,
			"route", s.Route.ID,
			"backend", b.ID,
			"bytes", n,
			"error", src.err,
		)

	default:
		// The client stopped reading.
		_ = resp.Body.Close()
		h.settle(conn, rw, rc, false)
		s.Fail(resp.StatusCode, fmt.Errorf("client write: %w", err))
	}
}

// settle joins the request writer, then returns conn to the pool when the
// whole request was written and discards it otherwise.
func (h *Handler) settle(conn *pool.Conn, rw *requestWriter, rc *http.ResponseController, keepAlive bool) {
	if keepAlive && rw.wroteRequest() {
		h.pool.Release(conn)
		return
	}
	rw.stop(rc)
	h.pool.Discard(conn)
}

// fail ends the session with an error response, unless the client is gone.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, s *Session, err error) {
	if errors.Is(err, ErrClientGone) || r.Context().Err() != nil {
		s.Fail(StatusClientClosedRequest, ErrClientGone)
		return
	}

	errResp := HandleError(err)
	status := errResp.Error.HTTPStatusCode()
	s.Fail(status, err)

	if errResp.Error.Code == types.CodeNoBackend {
		e := h.requestEvent(r, s)
		e.Kind = events.KindHealthPressure
		h.sink.Emit(e)
		h.logger.Warn("no backend available",
			"request_id", s.RequestID,
			"route", e.Route,
			"attempts", s.Attempts,
			"error", err,
		)
	}

	WriteErrorResponse(w, errResp)
}

// finish reports the session outcome to the access log, the span and the
// event sink.
func (h *Handler) finish(r *http.Request, s *Session, span trace.Span) {
	e := h.requestEvent(r, s)
	e.Kind = events.KindRequestOutcome
	e.Status = s.Status
	e.Latency = time.Since(s.Started)
	e.BytesOut = s.BytesOut
	h.sink.Emit(e)

	if info := middleware.GetInfo(r.Context()); info != nil {
		info.Route = e.Route
		info.Backend = s.Backend
		info.Attempts = s.Attempts
		info.Error = e.Error
	}

	span.SetAttributes(
		attribute.String("proxy.route", e.Route),
		attribute.String("proxy.backend", s.Backend),
		attribute.Int("proxy.attempts", s.Attempts),
		attribute.Int("http.response.status_code", s.Status),
		attribute.String("proxy.state", s.State().String()),
	)
	if s.Err != nil {
		span.SetStatus(codes.Error, s.Err.Error())
	}
}

func (h *Handler) requestEvent(r *http.Request, s *Session) events.Event {
	e := events.Event{
		RequestID: s.RequestID,
		Listener:  s.Listener,
		Method:    r.Method,
		Host:      r.Host,
		Path:      r.URL.Path,
		Attempts:  s.Attempts,
		Backend:   s.Backend,
	}
	if s.Route != nil {
		e.Route = s.Route.ID
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}
	return e
}

func (h *Handler) enter(s *Session, to State) {
	if err := s.Transition(to); err != nil {
		h.logger.Error("session state machine violated", "request_id", s.RequestID, "error", err)
	}
}

// isStaleConnError reports whether err looks like a keep-alive connection
// the backend closed while it sat idle.
func isStaleConnError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
