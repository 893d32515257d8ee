package metrics

import (
	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// BackendSource lists backends with their current health.
type BackendSource interface {
	Snapshot() []backends.Backend
}

// BackendMetrics counts backend health transitions.
type BackendMetrics struct {
	transitions *prometheus.CounterVec
}

// NewBackendMetrics creates and registers backend metrics with the provided registry.
func NewBackendMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *BackendMetrics {
	bm := &BackendMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_health_transitions_total",
				Help:      "Backend health transitions by target state",
			},
			[]string{"backend", "state"},
		),
	}
	registry.MustRegister(bm.transitions)
	return bm
}

// RecordTransition counts a transition of backend into state.
func (bm *BackendMetrics) RecordTransition(backend, state string) {
	bm.transitions.WithLabelValues(backend, state).Inc()
}

// backendHealth reports one gauge per backend and state, 1 for the state
// the backend is in and 0 for the others.
type backendHealth struct {
	source BackendSource
	health *prometheus.Desc
	fails  *prometheus.Desc
}

func newBackendHealth(cfg *config.MetricsConfig, source BackendSource) *backendHealth {
	return &backendHealth{
		source: source,
		health: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, "backend_health"),
			"Current backend health state (1 for the active state)",
			[]string{"backend", "state"}, nil,
		),
		fails: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, "backend_consecutive_failures"),
			"Consecutive failed probes or requests per backend",
			[]string{"backend"}, nil,
		),
	}
}

func (bh *backendHealth) Describe(ch chan<- *prometheus.Desc) {
	ch <- bh.health
	ch <- bh.fails
}

func (bh *backendHealth) Collect(ch chan<- prometheus.Metric) {
	states := []backends.State{backends.StateUp, backends.StateDown, backends.StateDraining}
	for _, b := range bh.source.Snapshot() {
		for _, s := range states {
			v := 0.0
			if b.Health == s {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(bh.health, prometheus.GaugeValue, v, b.ID, s.String())
		}
		ch <- prometheus.MustNewConstMetric(bh.fails, prometheus.GaugeValue, float64(b.ConsecutiveFailures), b.ID)
	}
}
