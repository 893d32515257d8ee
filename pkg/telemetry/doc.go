// Package telemetry groups the observability packages of the proxy:
//
//   - logging: log/slog setup, trace correlation and credential masking
//   - metrics: Prometheus collector fed by the event sink
//   - tracing: OpenTelemetry provider and OTLP gRPC exporter
//   - health: liveness, readiness and version endpoints
package telemetry
