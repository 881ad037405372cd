package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/apphub/catalog/pkg/catalog"
)

// dispatcher is the narrow slice of internal/executor.Executor that
// internal/orchestrator.Orchestrator dispatches ready steps through.
// Declared locally (mirroring the way internal/scheduler,
// internal/trigger, and internal/automaterialize each declare their own
// RunCreator) so this package doesn't need an exported type from either
// side.
type dispatcher interface {
	Dispatch(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) error
}

// dispatcherHandle breaks the orchestrator/executor construction cycle:
// internal/orchestrator.New requires a non-nil Dispatcher and
// internal/executor.New requires a non-nil RunAdvancer, each satisfied
// only by the other package's concrete type, and neither package exposes a
// setter to wire the two together after the fact. handle is built empty,
// handed to orchestrator.New as its Dispatcher, and only gets its target
// set once the executor it forwards to has actually been constructed.
// Every call received before that point is a construction-order bug, not a
// runtime condition to recover from, so it panics rather than returning an
// error a caller might silently ignore.
type dispatcherHandle struct {
	target atomic.Pointer[dispatcher]
}

func (h *dispatcherHandle) set(d dispatcher) {
	h.target.Store(&d)
}

func (h *dispatcherHandle) Dispatch(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) error {
	target := h.target.Load()
	if target == nil {
		panic(fmt.Sprintf("runtime: dispatcherHandle.Dispatch called before wiring completed (step %s)", step.ID))
	}
	return (*target).Dispatch(ctx, run, def, step, runStep)
}
