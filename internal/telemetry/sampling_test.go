package telemetry

import (
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewSamplerDisabledSamplesAll(t *testing.T) {
	s := NewSampler(SamplingConfig{Enabled: false})
	if _, ok := s.(sdktrace.Sampler); !ok {
		t.Fatal("expected a valid sdktrace.Sampler")
	}
	if s.Description() != sdktrace.AlwaysSample().Description() {
		t.Fatalf("Description() = %q, want AlwaysSample", s.Description())
	}
}

func TestNewSamplerZeroRateWithoutErrorOverrideNeverSamples(t *testing.T) {
	s := NewSampler(SamplingConfig{Enabled: true, Rate: 0, AlwaysSampleErrors: false})
	if s.Description() != sdktrace.NeverSample().Description() {
		t.Fatalf("Description() = %q, want NeverSample", s.Description())
	}
}

func TestNewSamplerZeroRateWithErrorOverrideWrapsNeverSample(t *testing.T) {
	s := NewSampler(SamplingConfig{Enabled: true, Rate: 0, AlwaysSampleErrors: true})
	if _, ok := s.(*errorAwareSampler); !ok {
		t.Fatalf("expected *errorAwareSampler, got %T", s)
	}
}

func TestNewSamplerPartialRateWrapsRatioBased(t *testing.T) {
	s := NewSampler(SamplingConfig{Enabled: true, Rate: 0.5, AlwaysSampleErrors: true})
	if _, ok := s.(*errorAwareSampler); !ok {
		t.Fatalf("expected *errorAwareSampler, got %T", s)
	}
}
