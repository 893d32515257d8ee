// Package routing maps requests to routes and routes to backends.
//
// A Router holds the current route Table behind an atomic pointer: Match
// never blocks and always sees one complete table, and Reload publishes a
// new table without pausing traffic. A Selector picks a backend from a
// route's group using the configured strategy and enforces the failover
// bound.
package routing

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

type publishedTable struct {
	table   *Table
	version uint64
	at      time.Time
}

// Router resolves requests against the current route table.
// It is safe for concurrent use.
type Router struct {
	current atomic.Pointer[publishedTable]
	version atomic.Uint64
	stats   *AtomicRoutingStats
	logger  *slog.Logger
}

// NewRouter creates a router serving table. A nil table matches nothing.
func NewRouter(table *Table, stats *AtomicRoutingStats) *Router {
	if stats == nil {
		stats = NewAtomicRoutingStats()
	}
	r := &Router{
		stats:  stats,
		logger: slog.Default().With("component", "routing.router"),
	}
	r.publish(table)
	return r
}

// Match returns the route for req. A request no route accepts yields a
// *NoMatchError, which satisfies errors.Is(err, ErrNoMatch).
func (r *Router) Match(req *http.Request) (*Route, error) {
	r.stats.IncrementTotal()

	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	route, ok := r.current.Load().table.Match(req.Host, path)
	if !ok {
		r.stats.IncrementNoMatch()
		return nil, &NoMatchError{Host: req.Host, Path: path}
	}

	r.stats.IncrementRoute(route.ID)
	return route, nil
}

// Reload atomically replaces the route table. Sessions that already
// matched keep the route they hold.
func (r *Router) Reload(table *Table) {
	version := r.publish(table)
	r.logger.Info("route table reloaded", "routes", r.Table().Len(), "version", version)
}

func (r *Router) publish(table *Table) uint64 {
	if table == nil {
		table = &Table{builtAt: time.Now()}
	}
	p := &publishedTable{
		table:   table,
		version: r.version.Add(1),
		at:      time.Now(),
	}
	r.current.Store(p)
	return p.version
}

// Table returns the current table snapshot.
func (r *Router) Table() *Table {
	return r.current.Load().table
}

// Stats returns routing counters along with the table generation.
func (r *Router) Stats() *RoutingStats {
	s := r.stats.Snapshot()
	p := r.current.Load()
	s.TableVersion = p.version
	s.LastReload = p.at
	return s
}
