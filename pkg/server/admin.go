package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/proxy"
	"carapaceproxy/carapace/pkg/proxy/types"
	"carapaceproxy/carapace/pkg/routing"
	"carapaceproxy/carapace/pkg/telemetry/health"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// BackendsStatus is the body of GET /status/backends.
type BackendsStatus struct {
	Backends []backends.Backend  `json:"backends"`
	Groups   map[string][]string `json:"groups"`
	Counts   map[string]int      `json:"counts"`
}

// RoutesStatus is the body of GET /status/routes.
type RoutesStatus struct {
	Routes   []routing.Route       `json:"routes"`
	Strategy string                `json:"strategy"`
	BuiltAt  time.Time             `json:"built_at"`
	Applied  time.Time             `json:"config_applied_at"`
	Stats    *routing.RoutingStats `json:"stats"`
}

// ListenerStatus is one entry of GET /status/listeners.
type ListenerStatus struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	TLS            bool   `json:"tls"`
	ProxyProtocol  bool   `json:"proxy_protocol"`
	Open           int64  `json:"open"`
	MaxConnections int64  `json:"max_connections"`

	// Saturated is set while the accept loop waits for a free slot.
	Saturated bool `json:"saturated"`
}

// adminMux builds the admin interface routes.
func (s *Server) adminMux(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status/backends", s.handleBackends)
	mux.HandleFunc("GET /status/pool", s.handlePool)
	mux.HandleFunc("GET /status/routes", s.handleRoutes)
	mux.HandleFunc("GET /status/certificates", s.handleCertificates)
	mux.HandleFunc("GET /status/listeners", s.handleListeners)
	mux.HandleFunc("POST /backends/{id}/drain", s.handleDrain(true))
	mux.HandleFunc("POST /backends/{id}/undrain", s.handleDrain(false))
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /events", s.handleEvents)

	health.Register(mux, cfg.Telemetry.Health, s.runtime.Health, s.opts.Version)
	if !cfg.Telemetry.Metrics.Disabled {
		mux.Handle("GET "+cfg.Telemetry.Metrics.Path, s.runtime.Metrics.Handler())
	}
	return mux
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for state, n := range s.runtime.Backends.CountByState() {
		counts[state.String()] = n
	}
	writeJSON(w, http.StatusOK, BackendsStatus{
		Backends: s.runtime.Backends.Snapshot(),
		Groups:   s.runtime.Backends.Groups(),
		Counts:   counts,
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Pool.Stats())
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	table := s.runtime.Router.Table()
	writeJSON(w, http.StatusOK, RoutesStatus{
		Routes:   table.Routes(),
		Strategy: s.runtime.Selector.StrategyName(),
		BuiltAt:  table.BuiltAt(),
		Applied:  s.runtime.AppliedAt(),
		Stats:    s.runtime.Stats(),
	})
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"certificates": s.runtime.Certificates.Certificates(),
	})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"listeners": s.ListenerStatus()})
}

func (s *Server) handleDrain(drain bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var err error
		if drain {
			err = s.runtime.Backends.Drain(id)
		} else {
			err = s.runtime.Backends.Undrain(id)
		}
		if errors.Is(err, backends.ErrUnknownBackend) {
			proxy.WriteErrorResponse(w, types.NewErrorResponse(err.Error(), types.ErrorTypeNotFound, "unknown_backend"))
			return
		}
		if err != nil {
			proxy.WriteErrorResponse(w, types.NewServerError(err.Error()))
			return
		}

		b, _ := s.runtime.Backends.Get(id)
		s.logger.Info("backend health changed by operator", "backend", id, "health", b.Health.String())
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reload == nil {
		writeJSON(w, http.StatusNotImplemented, types.NewErrorResponse("reload is not configured", types.ErrorTypeInvalidRequest, "reload_unavailable"))
		return
	}
	if err := s.opts.Reload(r.Context()); err != nil {
		s.logger.Warn("configuration reload rejected", "error", err)
		proxy.WriteErrorResponse(w, types.NewErrorResponse(err.Error(), types.ErrorTypeInvalidRequest, "invalid_config"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "reloaded",
		"applied_at": s.runtime.AppliedAt(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.runtime.Events == nil {
		writeJSON(w, http.StatusNotFound, types.NewErrorResponse("event recording is disabled", types.ErrorTypeNotFound, "events_disabled"))
		return
	}

	q, err := parseEventQuery(r)
	if err != nil {
		proxy.WriteErrorResponse(w, types.NewErrorResponse(err.Error(), types.ErrorTypeInvalidRequest, "invalid_query"))
		return
	}

	found, err := s.runtime.Events.Query(r.Context(), q)
	if err != nil {
		slog.ErrorContext(r.Context(), "event query failed", "error", err)
		proxy.WriteErrorResponse(w, types.NewServerError("event query failed"))
		return
	}
	if found == nil {
		found = []*events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": found, "count": len(found)})
}

// parseEventQuery reads kind, backend, route, since, until (RFC 3339) and
// limit from the query string.
func parseEventQuery(r *http.Request) (*events.Query, error) {
	v := r.URL.Query()
	q := &events.Query{
		Kind:    events.Kind(v.Get("kind")),
		Backend: v.Get("backend"),
		Route:   v.Get("route"),
		Limit:   defaultEventLimit,
	}

	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, errors.New("limit must be a positive integer")
		}
		q.Limit = min(n, maxEventLimit)
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = t
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write admin response", "error", err)
	}
}
