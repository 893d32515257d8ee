package routing

import (
	"strings"
	"time"
)

// Route actions.
const (
	ActionProxy  = "proxy"
	ActionStatic = "static"
)

// Route is one entry of a route table. Routes are immutable once the table
// holding them is published.
type Route struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`

	// Host is an exact hostname, a "*.suffix" wildcard or empty for any host.
	Host string `json:"host,omitempty"`

	// Path is the configured path pattern ("/api/*", "/api/", "/api").
	Path string `json:"path"`

	Action   string        `json:"action"`
	Director string        `json:"director,omitempty"`
	Timeout  time.Duration `json:"timeout"`

	// Retries bounds failover for this route; negative means the balancer
	// default applies.
	Retries int `json:"retries"`

	StaticStatus      int    `json:"static_status,omitempty"`
	StaticBody        string `json:"static_body,omitempty"`
	StaticContentType string `json:"static_content_type,omitempty"`

	prefix string
	order  int
}

// Prefix returns the normalised path prefix the route matches on.
func (r *Route) Prefix() string {
	if r.prefix == "" {
		return "/"
	}
	return r.prefix
}

func (r *Route) hostRank() int {
	switch {
	case r.Host == "":
		return 2
	case strings.HasPrefix(r.Host, "*."):
		return 1
	default:
		return 0
	}
}

// matchHost reports whether host (lower case, no port) satisfies the route's
// host pattern. "*.example.com" matches any subdomain but not the apex.
func (r *Route) matchHost(host string) bool {
	switch r.hostRank() {
	case 2:
		return true
	case 1:
		suffix := r.Host[1:]
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	default:
		return host == r.Host
	}
}

// matchPath applies segment boundary semantics: prefix "/api" matches
// "/api" and "/api/x" but not "/apix".
func (r *Route) matchPath(path string) bool {
	if r.prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, r.prefix) {
		return false
	}
	return len(path) == len(r.prefix) || path[len(r.prefix)] == '/'
}

// normalizePrefix turns "/api/*", "/api/" and "/api" into "/api"; the root
// pattern becomes "".
func normalizePrefix(pattern string) string {
	p := strings.TrimSuffix(pattern, "*")
	p = strings.TrimRight(p, "/")
	return p
}

// RoutingStats is a point-in-time copy of routing counters.
type RoutingStats struct {
	TotalRequests        int64            `json:"total_requests"`
	RequestsPerRoute     map[string]int64 `json:"requests_per_route"`
	SelectionsPerBackend map[string]int64 `json:"selections_per_backend"`
	NoMatch              int64            `json:"no_match"`
	NoBackend            int64            `json:"no_backend"`
	TolerantSelections   int64            `json:"tolerant_selections"`
	TableVersion         uint64           `json:"table_version"`
	LastReload           time.Time        `json:"last_reload"`
	LastResetTime        time.Time        `json:"last_reset_time"`
}
