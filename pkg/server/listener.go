package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/armon/go-proxyproto"

	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/limits"
	tlsstore "carapaceproxy/carapace/pkg/security/tls"
)

// listen binds lc and layers admission control, PROXY protocol decoding
// and TLS on top, in that order.
func listen(ctx context.Context, lc config.ListenerConfig, certs *tlsstore.Store) (net.Listener, *limits.ConcurrentLimiter, error) {
	listenConfig := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   lc.KeepAliveEnabled(),
			Idle:     lc.KeepAliveIdle,
			Interval: lc.KeepAliveInterval,
			Count:    lc.KeepAliveCount,
		},
	}
	if !lc.KeepAliveEnabled() {
		listenConfig.KeepAlive = -1
	}

	tcp, err := listenConfig.Listen(ctx, "tcp", lc.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind listener %s: %w", lc.Name, err)
	}
	if lc.SoBacklog > 0 {
		slog.Debug("listen backlog is managed by the kernel", "listener", lc.Name, "so_backlog", lc.SoBacklog)
	}

	limiter := limits.NewConcurrentLimiter(lc.MaxConnections)
	var ln net.Listener = newLimitListener(tcp, limiter)

	if lc.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:           ln,
			ProxyHeaderTimeout: lc.ReadHeaderTimeout,
		}
	}

	if lc.TLS {
		tlsConfig, err := tlsstore.ServerConfig(certs, lc)
		if err != nil {
			ln.Close()
			return nil, nil, fmt.Errorf("listener %s: %w", lc.Name, err)
		}
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, limiter, nil
}

// limitListener bounds concurrently open connections. When every slot is
// taken Accept blocks until a connection closes, leaving new clients in
// the kernel accept queue.
type limitListener struct {
	net.Listener
	limiter *limits.ConcurrentLimiter
	ctx     context.Context
	cancel  context.CancelFunc
}

func newLimitListener(ln net.Listener, limiter *limits.ConcurrentLimiter) *limitListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &limitListener{Listener: ln, limiter: limiter, ctx: ctx, cancel: cancel}
}

func (l *limitListener) Accept() (net.Conn, error) {
	if err := l.limiter.Wait(l.ctx); err != nil {
		return nil, net.ErrClosed
	}
	c, err := l.Listener.Accept()
	if err != nil {
		l.limiter.Release()
		return nil, err
	}
	return &limitConn{Conn: c, release: l.limiter.Release}, nil
}

func (l *limitListener) Close() error {
	l.cancel()
	return l.Listener.Close()
}

type limitConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

type connStateKey struct{}

// connState is attached to every accepted connection.
type connState struct {
	requests atomic.Int64
}

func withConnState(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connStateKey{}, &connState{})
}

// keepAliveLimit closes a client connection after it has carried limit
// requests. A negative limit means unlimited.
func keepAliveLimit(next http.Handler, limit int) http.Handler {
	if limit < 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st, ok := r.Context().Value(connStateKey{}).(*connState); ok {
			if st.requests.Add(1) >= int64(limit) {
				w.Header().Set("Connection", "close")
			}
		}
		next.ServeHTTP(w, r)
	})
}
