package executor

import (
	"context"
	"fmt"

	"github.com/apphub/catalog/pkg/catalog"
)

// executeService performs the step's RequestTemplate call and, if
// CaptureResponse is set, stores the response body into the step's output
// under StoreResponseAs.
func (e *Executor) executeService(ctx context.Context, stepCtx *StepContext) ([]byte, error, catalog.FailureCategory) {
	step := stepCtx.Step
	if e.services == nil {
		return nil, fmt.Errorf("no service caller configured for step %s", step.ID), catalog.FailureValidation
	}
	if step.Request == nil {
		return nil, fmt.Errorf("service step %s has no request template", step.ID), catalog.FailureValidation
	}

	if step.RequireHealthy {
		healthy, degraded := e.services.Healthy(ctx, step.ServiceSlug)
		if !healthy && !(degraded && step.AllowDegraded) {
			return nil, fmt.Errorf("service %q is not healthy enough to accept the request (requireHealthy=true)", step.ServiceSlug), catalog.FailureUpstreamUnavailable
		}
	}

	status, body, err := e.services.Call(ctx, step.ServiceSlug, step.Request)
	if err != nil {
		return nil, err, classifyServiceError(ctx, status, err)
	}
	if status >= 500 {
		return nil, fmt.Errorf("service %q returned %d", step.ServiceSlug, status), catalog.FailureUpstreamUnavailable
	}
	if status >= 400 {
		return nil, fmt.Errorf("service %q returned %d", step.ServiceSlug, status), catalog.FailureHandlerError
	}

	if !step.CaptureResponse {
		return nil, nil, ""
	}
	if step.StoreResponseAs == "" {
		return body, nil, ""
	}
	return wrapNamedOutput(step.StoreResponseAs, body), nil, ""
}

func classifyServiceError(ctx context.Context, status int, err error) catalog.FailureCategory {
	if ctx.Err() != nil {
		return catalog.FailureTimeout
	}
	if status >= 500 || status == 0 {
		return catalog.FailureUpstreamUnavailable
	}
	return catalog.FailureHandlerError
}

// wrapNamedOutput stores a raw response body under a named key so a run's
// later steps can reference it by StoreResponseAs/StoreResultsAs the way
// they reference any other step output.
func wrapNamedOutput(name string, raw []byte) []byte {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	return []byte(fmt.Sprintf(`{%q:%s}`, name, raw))
}
