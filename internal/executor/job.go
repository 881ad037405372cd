package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// resolvedBundleInput mirrors the shape internal/orchestrator.CreateRun
// encodes into a step's Input column when it resolves a `latest` bundle
// binding to a concrete version at run-creation time.
type resolvedBundleInput struct {
	Bundle catalog.BundleBinding `json:"bundle"`
}

// executeJob loads the step's handler (a published bundle or an in-process
// registry entry) and invokes it.
func (e *Executor) executeJob(ctx context.Context, stepCtx *StepContext) ([]byte, error, catalog.FailureCategory) {
	step := stepCtx.Step

	handler, err := e.resolveJobHandler(ctx, step, stepCtx.RunStep.Input)
	if err != nil {
		return nil, err, catalog.FailureValidation
	}

	output, err := handler.Execute(ctx, stepCtx)
	if err != nil {
		return nil, err, classifyJobError(ctx, err)
	}
	return output, nil, ""
}

func (e *Executor) resolveJobHandler(ctx context.Context, step *catalog.Step, input json.RawMessage) (JobHandler, error) {
	if step.Bundle != nil {
		version := step.Bundle.Version
		if len(input) > 0 {
			var resolved resolvedBundleInput
			if err := json.Unmarshal(input, &resolved); err == nil && resolved.Bundle.Version != "" {
				version = resolved.Bundle.Version
			}
		}
		if version == "" {
			return nil, fmt.Errorf("job step %s has no resolved bundle version", step.ID)
		}
		if e.bundles == nil {
			return nil, fmt.Errorf("no bundle loader configured for step %s", step.ID)
		}
		return e.bundles.Load(ctx, step.Bundle.Slug, version)
	}

	if e.jobs == nil {
		return nil, fmt.Errorf("no job handler registry configured for step %s", step.ID)
	}
	handler, ok := e.jobs.Lookup(step.JobSlug)
	if !ok {
		return nil, fmt.Errorf("no job handler registered for slug %q", step.JobSlug)
	}
	return handler, nil
}

// classifyJobError maps a handler's error into the spec's failureReason
// taxonomy, preferring the context deadline (the executor's own timeout
// enforcement) over whatever kind the handler's error carries.
func classifyJobError(ctx context.Context, err error) catalog.FailureCategory {
	if ctx.Err() != nil {
		return catalog.FailureTimeout
	}
	switch catalogerr.KindOf(err) {
	case catalogerr.Validation:
		return catalog.FailureValidation
	case catalogerr.Transient:
		return catalog.FailureUpstreamUnavailable
	case catalogerr.HeartbeatLost:
		return catalog.FailureHeartbeatLost
	case catalogerr.Canceled:
		return catalog.FailureCanceled
	default:
		return catalog.FailureHandlerError
	}
}
