// Package tracing sets up OpenTelemetry tracing for the proxy.
//
// New installs a tracer provider exporting over OTLP gRPC and the W3C trace
// context propagator. The proxy handler then continues an incoming
// traceparent, opens a "proxy.session" span per request and a
// "proxy.attempt" span per backend attempt, and forwards the context to the
// backend:
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//		return err
//	}
//	defer tracer.Shutdown(context.Background())
//
// Samplers: "parent" (default) samples every root trace and follows the
// caller otherwise, "ratio" samples sample_ratio of root traces, "always"
// and "never" ignore the caller.
package tracing
