package telemetry

import (
	"context"
	"fmt"

	"github.com/apphub/catalog/pkg/observability"
)

// StartRunSpan opens a root span for one workflow run's lifetime.
func StartRunSpan(ctx context.Context, tracer observability.Tracer, runID, definitionSlug string) (context.Context, observability.SpanHandle) {
	return tracer.Start(ctx, fmt.Sprintf("run: %s", definitionSlug),
		observability.WithSpanKind(observability.SpanKindInternal),
		observability.WithAttributes(map[string]any{
			"catalog.run_id":     runID,
			"catalog.definition": definitionSlug,
			"span.type":          "run",
		}),
	)
}

// StartStepSpan opens a span for one step's attempt.
func StartStepSpan(ctx context.Context, tracer observability.Tracer, runID, stepID string, attempt int) (context.Context, observability.SpanHandle) {
	return tracer.Start(ctx, fmt.Sprintf("step: %s", stepID),
		observability.WithSpanKind(observability.SpanKindInternal),
		observability.WithAttributes(map[string]any{
			"catalog.run_id":   runID,
			"catalog.step":     stepID,
			"catalog.attempt":  attempt,
			"span.type":        "step",
		}),
	)
}

// EndWithError ends span, recording err and setting an error status if
// non-nil, or an OK status otherwise.
func EndWithError(span observability.SpanHandle, err error) {
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(observability.StatusCodeOK, "")
	}
	span.End()
}
