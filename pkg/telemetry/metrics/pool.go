package metrics

import (
	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/pool"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatsSource reports connection pool occupancy.
type PoolStatsSource interface {
	Stats() pool.Stats
}

// PoolMetrics counts pool saturation.
type PoolMetrics struct {
	saturated *prometheus.CounterVec
}

// NewPoolMetrics creates and registers pool metrics with the provided registry.
func NewPoolMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PoolMetrics {
	pm := &PoolMetrics{
		saturated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "pool_saturated_total",
				Help:      "Acquires that had to wait for a connection slot",
			},
			[]string{"backend"},
		),
	}
	registry.MustRegister(pm.saturated)
	return pm
}

// RecordSaturation counts one saturated acquire on backend.
func (pm *PoolMetrics) RecordSaturation(backend string) {
	pm.saturated.WithLabelValues(backend).Inc()
}

// poolOccupancy reads pool.Stats at scrape time.
type poolOccupancy struct {
	source   PoolStatsSource
	conns    *prometheus.Desc
	waiters  *prometheus.Desc
	capacity *prometheus.Desc
	dials    *prometheus.Desc
	reuses   *prometheus.Desc
}

func newPoolOccupancy(cfg *config.MetricsConfig, source PoolStatsSource) *poolOccupancy {
	name := func(n string) string { return prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, n) }
	return &poolOccupancy{
		source:   source,
		conns:    prometheus.NewDesc(name("pool_connections"), "Pooled backend connections by state", []string{"backend", "state"}, nil),
		waiters:  prometheus.NewDesc(name("pool_waiters"), "Sessions waiting for a backend connection", []string{"backend"}, nil),
		capacity: prometheus.NewDesc(name("pool_capacity"), "Configured connection limits", []string{"scope"}, nil),
		dials:    prometheus.NewDesc(name("pool_dials_total"), "Backend connections dialed", []string{"backend"}, nil),
		reuses:   prometheus.NewDesc(name("pool_reuses_total"), "Idle backend connections reused", []string{"backend"}, nil),
	}
}

func (po *poolOccupancy) Describe(ch chan<- *prometheus.Desc) {
	ch <- po.conns
	ch <- po.waiters
	ch <- po.capacity
	ch <- po.dials
	ch <- po.reuses
}

func (po *poolOccupancy) Collect(ch chan<- prometheus.Metric) {
	s := po.source.Stats()
	ch <- prometheus.MustNewConstMetric(po.capacity, prometheus.GaugeValue, float64(s.MaxTotal), "total")
	ch <- prometheus.MustNewConstMetric(po.capacity, prometheus.GaugeValue, float64(s.MaxPerBackend), "per_backend")
	for _, b := range s.Backends {
		ch <- prometheus.MustNewConstMetric(po.conns, prometheus.GaugeValue, float64(b.Idle), b.Backend, "idle")
		ch <- prometheus.MustNewConstMetric(po.conns, prometheus.GaugeValue, float64(b.InUse), b.Backend, "in_use")
		ch <- prometheus.MustNewConstMetric(po.waiters, prometheus.GaugeValue, float64(b.Waiters), b.Backend)
		ch <- prometheus.MustNewConstMetric(po.dials, prometheus.CounterValue, float64(b.Dials), b.Backend)
		ch <- prometheus.MustNewConstMetric(po.reuses, prometheus.CounterValue, float64(b.Reuses), b.Backend)
	}
}
