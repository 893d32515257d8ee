package routing

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"carapaceproxy/carapace/pkg/config"
)

// Table is an immutable, ordered set of routes. Tables are replaced
// wholesale; a published table is never modified.
//
// Evaluation order:
//  1. longer path prefix first;
//  2. exact host before "*.suffix" wildcard before any host;
//  3. configuration order.
//
// The first enabled route whose host and path both match wins.
type Table struct {
	routes  []*Route
	builtAt time.Time
}

// NewTable validates and orders routes. Route IDs must be unique
// (case-insensitively).
func NewTable(routes []Route) (*Table, error) {
	seen := make(map[string]bool, len(routes))
	ordered := make([]*Route, 0, len(routes))

	for i := range routes {
		r := routes[i]
		if r.ID == "" {
			return nil, &RouteError{Route: fmt.Sprintf("#%d", i), Reason: "id is required"}
		}
		key := strings.ToLower(r.ID)
		if seen[key] {
			return nil, &RouteError{Route: r.ID, Reason: "route " + r.ID + " is already configured"}
		}
		seen[key] = true

		if r.Path == "" {
			r.Path = "/"
		}
		if !strings.HasPrefix(r.Path, "/") {
			return nil, &RouteError{Route: r.ID, Reason: "path must start with /"}
		}
		if i := strings.Index(r.Path, "*"); i >= 0 && i != len(r.Path)-1 {
			return nil, &RouteError{Route: r.ID, Reason: "wildcard is only allowed at the end of path"}
		}
		r.Host = strings.ToLower(r.Host)
		if r.Host == "*" {
			r.Host = ""
		}
		if strings.Contains(strings.TrimPrefix(r.Host, "*."), "*") {
			return nil, &RouteError{Route: r.ID, Reason: "host wildcard must be a leading *."}
		}

		switch r.Action {
		case "":
			r.Action = ActionProxy
		case ActionProxy, ActionStatic:
		default:
			return nil, &RouteError{Route: r.ID, Reason: fmt.Sprintf("unknown action %q", r.Action)}
		}
		if r.Action == ActionProxy && r.Director == "" {
			r.Director = config.DefaultDirector
		}

		r.prefix = normalizePrefix(r.Path)
		r.order = i
		ordered = append(ordered, &r)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if len(a.prefix) != len(b.prefix) {
			return len(a.prefix) > len(b.prefix)
		}
		if a.hostRank() != b.hostRank() {
			return a.hostRank() < b.hostRank()
		}
		return a.order < b.order
	})

	return &Table{routes: ordered, builtAt: time.Now()}, nil
}

// BuildTable builds a table from the routes section of cfg.
func BuildTable(cfg *config.Config) (*Table, error) {
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, Route{
			ID:                rc.ID,
			Enabled:           rc.IsEnabled(),
			Host:              rc.Host,
			Path:              rc.Path,
			Action:            rc.Action,
			Director:          rc.Director,
			Timeout:           rc.Timeout,
			Retries:           rc.RetryCount(),
			StaticStatus:      rc.StaticStatus,
			StaticBody:        rc.StaticBody,
			StaticContentType: rc.StaticContentType,
		})
	}
	return NewTable(routes)
}

// Match returns the first enabled route matching host and path. host may
// carry a port; matching is case-insensitive on host.
func (t *Table) Match(host, path string) (*Route, bool) {
	host = canonicalHost(host)
	if path == "" {
		path = "/"
	}
	for _, r := range t.routes {
		if r.Enabled && r.matchPath(path) && r.matchHost(host) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns copies of the routes in evaluation order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	for i, r := range t.routes {
		out[i] = *r
	}
	return out
}

// Len returns the number of routes, enabled or not.
func (t *Table) Len() int {
	return len(t.routes)
}

// BuiltAt is when the table was built.
func (t *Table) BuiltAt() time.Time {
	return t.builtAt
}

func canonicalHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
