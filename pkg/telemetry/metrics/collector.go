package metrics

import (
	"strconv"
	"sync"

	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/events"

	"github.com/prometheus/client_golang/prometheus"
)

// overflowLabel replaces label values beyond the cardinality limit.
const overflowLabel = "other"

// Collector owns the proxy's Prometheus metrics. It is an events.Sink:
// request outcomes, health transitions, pool saturation and health pressure
// are counted as they are emitted. Occupancy gauges are read from the pool
// and the backend manager at scrape time.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	requestMetrics *RequestMetrics
	backendMetrics *BackendMetrics
	poolMetrics    *PoolMetrics

	// cardinalityLimiter bounds distinct backend and route label values.
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector registering its metrics on registry. If
// registry is nil a fresh registry is used.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	sink := events.Multi(recorder, collector)
//	mux.Handle("/metrics", collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.RequestDurationBuckets) == 0 {
		cfg.RequestDurationBuckets = append([]float64(nil), config.DefaultRequestDurationBuckets...)
	}
	maxLabels := cfg.MaxBackendLabels
	if maxLabels <= 0 {
		maxLabels = config.DefaultMaxBackendLabels
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		cardinalityLimiter: NewCardinalityLimiter(maxLabels),
	}
	c.requestMetrics = NewRequestMetrics(cfg, registry)
	c.backendMetrics = NewBackendMetrics(cfg, registry)
	c.poolMetrics = NewPoolMetrics(cfg, registry)
	return c
}

// Emit records e. Unknown kinds are ignored.
func (c *Collector) Emit(e events.Event) {
	if c.config.Disabled {
		return
	}

	switch e.Kind {
	case events.KindRequestOutcome:
		c.requestMetrics.RecordRequest(
			c.label("route", e.Route),
			c.label("backend", e.Backend),
			strconv.Itoa(e.Status),
			e.Latency,
			e.Attempts,
			e.BytesOut,
		)
	case events.KindHealthTransition:
		c.backendMetrics.RecordTransition(c.label("backend", e.Backend), e.ToState)
	case events.KindPoolSaturated:
		c.poolMetrics.RecordSaturation(c.label("backend", e.Backend))
	case events.KindHealthPressure:
		c.requestMetrics.RecordHealthPressure(c.label("route", e.Route))
	}
}

// label returns value, or overflowLabel once the limiter refuses new
// values for kind.
func (c *Collector) label(kind, value string) string {
	if value == "" {
		return ""
	}
	if !c.cardinalityLimiter.Allow(kind + ":" + value) {
		return overflowLabel
	}
	return value
}

// RegisterPool exposes the occupancy of source as gauges.
func (c *Collector) RegisterPool(source PoolStatsSource) {
	c.registry.MustRegister(newPoolOccupancy(c.config, source))
}

// RegisterBackends exposes the health of every backend of source as gauges.
func (c *Collector) RegisterBackends(source BackendSource) {
	c.registry.MustRegister(newBackendHealth(c.config, source))
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet is already known or still fits under the
// limit, remembering it in the latter case.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
