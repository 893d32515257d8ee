package tracing

import (
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Sampler names accepted by telemetry.tracing.sampler.
const (
	// SamplerParent follows the caller's decision and samples root spans.
	SamplerParent = "parent"

	// SamplerAlways samples all traces
	SamplerAlways = "always"

	// SamplerNever samples no traces
	SamplerNever = "never"

	// SamplerRatio samples a share of root traces by trace ID
	SamplerRatio = "ratio"
)

// createSampler builds the sampler named strategy. Every sampler respects
// a sampled parent from an incoming traceparent header, so a request
// traced upstream stays traced through the proxy.
func createSampler(strategy string, ratio float64) (sdktrace.Sampler, error) {
	var root sdktrace.Sampler

	switch strategy {
	case SamplerParent, "":
		root = sdktrace.AlwaysSample()
	case SamplerAlways:
		return sdktrace.AlwaysSample(), nil
	case SamplerNever:
		root = sdktrace.NeverSample()
	case SamplerRatio:
		if ratio < 0.0 || ratio > 1.0 {
			return nil, fmt.Errorf("sample ratio must be between 0.0 and 1.0, got %f", ratio)
		}
		root = sdktrace.TraceIDRatioBased(ratio)
	default:
		return nil, fmt.Errorf("unknown sampler strategy: %s (valid: parent, always, never, ratio)", strategy)
	}
	return sdktrace.ParentBased(root), nil
}
