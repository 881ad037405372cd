package telemetry

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewSampler builds an OpenTelemetry sampler from a SamplingConfig.
func NewSampler(cfg SamplingConfig) sdktrace.Sampler {
	if !cfg.Enabled || cfg.Rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	if cfg.Rate <= 0.0 {
		if cfg.AlwaysSampleErrors {
			return &errorAwareSampler{baseSampler: sdktrace.NeverSample()}
		}
		return sdktrace.NeverSample()
	}

	base := sdktrace.TraceIDRatioBased(cfg.Rate)
	if cfg.AlwaysSampleErrors {
		return &errorAwareSampler{baseSampler: base}
	}
	return base
}

// errorAwareSampler wraps a base sampler so any span carrying a
// catalog.status=error (or error=true) attribute is always recorded,
// regardless of what the base sampler would have decided.
type errorAwareSampler struct {
	baseSampler sdktrace.Sampler
}

func (s *errorAwareSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == "error" && attr.Value.AsBool() {
			return recordAndSample(params)
		}
		if attr.Key == "catalog.status" && attr.Value.AsString() == "error" {
			return recordAndSample(params)
		}
	}
	return s.baseSampler.ShouldSample(params)
}

func recordAndSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	return sdktrace.SamplingResult{
		Decision:   sdktrace.RecordAndSample,
		Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
	}
}

func (s *errorAwareSampler) Description() string {
	return "ErrorAwareSampler{base=" + s.baseSampler.Description() + "}"
}
