package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/limits"
	"carapaceproxy/carapace/pkg/proxy/middleware"
	"carapaceproxy/carapace/pkg/runtime"
	tlsstore "carapaceproxy/carapace/pkg/security/tls"
	"carapaceproxy/carapace/pkg/telemetry/health"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("server is already running")

// Options configures a Server.
type Options struct {
	// Reload re-reads configuration and applies it. It backs the admin
	// reload endpoint; when nil the endpoint answers 501.
	Reload func(ctx context.Context) error

	// Version is reported by the admin version endpoint.
	Version health.VersionInfo
}

// Server serves every configured listener plus the admin interface.
type Server struct {
	runtime *runtime.Runtime
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []*listener
	admin     *http.Server
	adminLn   net.Listener
	running   atomic.Bool
	errs      chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a server for rt. Listeners are bound by Start.
func New(rt *runtime.Runtime, opts Options) *Server {
	s := &Server{
		runtime: rt,
		opts:    opts,
		logger:  slog.Default().With("component", "server"),
		errs:    make(chan error, 1),
	}
	rt.Health.RegisterCheck("listeners", health.Serving(s.running.Load))
	return s
}

// Start binds every listener and the admin interface and serves them in
// the background. If any bind fails, listeners already bound are closed
// and the error is returned. Serve failures are reported on Errors.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	cfg := s.runtime.Config()
	handler := s.handler()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lc := range cfg.Listeners {
		l, err := newListener(ctx, lc, s.runtime.Certificates, handler)
		if err != nil {
			s.closeListenersLocked()
			s.running.Store(false)
			return err
		}
		s.listeners = append(s.listeners, l)
	}

	if !cfg.Admin.Disabled {
		ln, err := net.Listen("tcp", cfg.Admin.ListenAddress)
		if err != nil {
			s.closeListenersLocked()
			s.running.Store(false)
			return fmt.Errorf("failed to bind admin interface %s: %w", cfg.Admin.ListenAddress, err)
		}
		s.adminLn = ln
		s.admin = &http.Server{
			Handler:           middleware.RecoveryMiddleware(s.adminMux(cfg)),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	for _, l := range s.listeners {
		go s.serve(l.name(), func() error { return l.server.Serve(l.ln) })
		s.logger.Info("listener started",
			"listener", l.name(),
			"address", l.ln.Addr().String(),
			"tls", l.config.TLS,
			"proxy_protocol", l.config.ProxyProtocol,
			"max_connections", l.limiter.Limit(),
		)
	}
	if s.admin != nil {
		admin, ln := s.admin, s.adminLn
		go s.serve("admin", func() error { return admin.Serve(ln) })
		s.logger.Info("admin interface started", "address", ln.Addr().String())
	}
	return nil
}

func (s *Server) serve(name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("listener failed", "listener", name, "error", err)
		select {
		case s.errs <- fmt.Errorf("listener %s: %w", name, err):
		default:
		}
	}
}

// handler builds the middleware chain around the proxy handler.
func (s *Server) handler() http.Handler {
	var h http.Handler = s.runtime.Handler
	h = middleware.LoggingMiddleware(h)
	h = middleware.RequestIDMiddleware(h)
	// Recovery is outermost; it re-panics http.ErrAbortHandler so the
	// client connection is dropped.
	return middleware.RecoveryMiddleware(h)
}

// Errors reports listeners that stopped serving unexpectedly.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Addr returns the bound address of the named listener, or nil.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.name() == name {
			return l.ln.Addr()
		}
	}
	return nil
}

// AdminAddr returns the bound admin address, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// ListenerStatus reports admission state per listener, in configuration
// order.
func (s *Server) ListenerStatus() []ListenerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ListenerStatus, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, ListenerStatus{
			Name:           l.name(),
			Address:        l.ln.Addr().String(),
			TLS:            l.config.TLS,
			ProxyProtocol:  l.config.ProxyProtocol,
			Open:           l.limiter.Current(),
			MaxConnections: l.limiter.Limit(),
			Saturated:      l.limiter.Waiting() > 0,
		})
	}
	return out
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Shutdown stops accepting connections, fails readiness and waits for
// in-flight requests until ctx expires; remaining connections are then
// closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if !s.running.Load() {
			return
		}
		s.runtime.Health.SetStopping()
		s.logger.Info("initiating graceful shutdown")

		s.mu.Lock()
		listeners := s.listeners
		admin := s.admin
		s.mu.Unlock()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for _, l := range listeners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.shutdown(ctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("listener %s: %w", l.name(), err))
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if admin != nil {
			if err := admin.Shutdown(ctx); err != nil {
				admin.Close()
				errs = append(errs, fmt.Errorf("admin: %w", err))
			}
		}

		s.running.Store(false)
		s.shutdownErr = errors.Join(errs...)
		s.logger.Info("server stopped")
	})
	return s.shutdownErr
}

func (s *Server) closeListenersLocked() {
	for _, l := range s.listeners {
		l.ln.Close()
	}
	s.listeners = nil
}

// listener is one bound client-facing endpoint.
type listener struct {
	config  config.ListenerConfig
	ln      net.Listener
	limiter *limits.ConcurrentLimiter
	server  *http.Server
}

func (l *listener) name() string {
	return l.config.Name
}

func (l *listener) shutdown(ctx context.Context) error {
	err := l.server.Shutdown(ctx)
	if err != nil {
		l.server.Close()
	}
	return err
}

func newListener(ctx context.Context, lc config.ListenerConfig, certs *tlsstore.Store, handler http.Handler) (*listener, error) {
	ln, limiter, err := listen(ctx, lc, certs)
	if err != nil {
		return nil, err
	}

	name := lc.Name
	srv := &http.Server{
		Handler:           keepAliveLimit(handler, lc.MaxKeepAliveRequests),
		MaxHeaderBytes:    lc.MaxHeaderBytes,
		ReadHeaderTimeout: lc.ReadHeaderTimeout,
		IdleTimeout:       lc.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return middleware.WithListener(context.Background(), name)
		},
		ConnContext: withConnState,
		ErrorLog:    slog.NewLogLogger(slog.Default().With("component", "server", "listener", name).Handler(), slog.LevelWarn),
		// HTTP/2 is not negotiated.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}

	return &listener{config: lc, ln: ln, limiter: limiter, server: srv}, nil
}
