package metrics

import (
	"time"

	"carapaceproxy/carapace/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics tracks proxied requests.
//
// Metrics:
//   - carapace_proxy_requests_total: requests by route, backend and status
//   - carapace_proxy_request_duration_seconds: latency by route
//   - carapace_proxy_request_attempts: backend attempts per request
//   - carapace_proxy_response_bytes_total: relayed body bytes by route
//   - carapace_proxy_health_pressure_total: requests that found no backend
type RequestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        *prometheus.HistogramVec
	responseBytes   *prometheus.CounterVec
	healthPressure  *prometheus.CounterVec
}

// NewRequestMetrics creates and registers request metrics with the provided registry.
func NewRequestMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RequestMetrics {
	rm := &RequestMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"route", "backend", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of proxied requests in seconds",
				Buckets:   cfg.RequestDurationBuckets,
			},
			[]string{"route"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_attempts",
				Help:      "Backend attempts made per request",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
			[]string{"route"},
		),
		responseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "response_bytes_total",
				Help:      "Response body bytes relayed to clients",
			},
			[]string{"route"},
		),
		healthPressure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "health_pressure_total",
				Help:      "Requests that found no available backend",
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		rm.requestsTotal,
		rm.requestDuration,
		rm.attempts,
		rm.responseBytes,
		rm.healthPressure,
	)
	return rm
}

// RecordRequest records one completed session. Sessions that never
// reached a backend are recorded with an empty backend label and no
// attempt observation.
func (rm *RequestMetrics) RecordRequest(route, backend, status string, duration time.Duration, attempts int, bytes int64) {
	rm.requestsTotal.WithLabelValues(route, backend, status).Inc()
	rm.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
	if attempts > 0 {
		rm.attempts.WithLabelValues(route).Observe(float64(attempts))
	}
	if bytes > 0 {
		rm.responseBytes.WithLabelValues(route).Add(float64(bytes))
	}
}

// RecordHealthPressure counts a request on route that found no backend.
func (rm *RequestMetrics) RecordHealthPressure(route string) {
	rm.healthPressure.WithLabelValues(route).Inc()
}
