// Package metrics exposes proxy metrics in the Prometheus format.
//
// A Collector is an events.Sink. Wired next to the event recorder it counts
// requests by route, backend and status, latency, attempts, relayed bytes,
// health transitions, pool saturation and health pressure. Gauges for pool
// occupancy and backend health are read from their owners at scrape time:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.RegisterPool(connPool)
//	collector.RegisterBackends(manager)
//	sink := events.Multi(recorder, collector)
//
// Route and backend label values are bounded by MaxBackendLabels; values
// beyond the limit are reported as "other".
package metrics
