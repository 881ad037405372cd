package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/apphub/catalog/pkg/observability"
)

func TestNewProviderBuildsAndShutsDown(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Enabled:        true,
		ServiceName:    "catalogd-test",
		ServiceVersion: "0.0.0-test",
		Sampling:       SamplingConfig{Enabled: false},
		Exporters:      []ExporterConfig{{Type: "console"}},
	}

	p, err := NewProvider(ctx, cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Metrics() == nil {
		t.Fatal("expected a non-nil metrics collector")
	}

	var _ observability.TracerProvider = p

	tracer := p.Tracer("test")
	spanCtx, span := tracer.Start(ctx, "test-span")
	if spanCtx == nil {
		t.Fatal("expected non-nil context from Start")
	}
	span.SetAttributes(map[string]any{"key": "value"})
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStartRunAndStepSpans(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, Config{ServiceName: "catalogd-test", Sampling: SamplingConfig{Enabled: false}})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	tracer := p.Tracer("test")

	runCtx, runSpan := StartRunSpan(ctx, tracer, "run-1", "etl-job")
	EndWithError(runSpan, nil)

	_, stepSpan := StartStepSpan(runCtx, tracer, "run-1", "step-1", 1)
	EndWithError(stepSpan, nil)
}
