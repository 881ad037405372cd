package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
)

// StepContext is handed to a job handler's Execute method, mirroring the
// spec's {parameters, context, produceAsset(), heartbeat(), log()} handler
// surface.
type StepContext struct {
	Run          *catalog.WorkflowRun
	Step         *catalog.Step
	RunStep      *catalog.WorkflowRunStep
	AttemptToken string

	Parameters json.RawMessage
	Context    json.RawMessage

	Heartbeat    func()
	Log          func(level, message string)
	ProduceAsset func(decl catalog.AssetDeclaration, payload, schema, freshness []byte) error
}

// JobHandler executes one job step attempt and returns its output payload.
type JobHandler interface {
	Execute(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error)
}

// JobHandlerFunc adapts a plain function to a JobHandler.
type JobHandlerFunc func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error)

func (f JobHandlerFunc) Execute(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
	return f(ctx, stepCtx)
}

// HandlerRegistry resolves a job step's JobSlug to an in-process handler,
// used for steps that are not bound to a published bundle.
type HandlerRegistry interface {
	Lookup(jobSlug string) (JobHandler, bool)
}

// StaticRegistry is a HandlerRegistry backed by a fixed map, typically
// populated once at process startup.
type StaticRegistry map[string]JobHandler

func (r StaticRegistry) Lookup(jobSlug string) (JobHandler, bool) {
	h, ok := r[jobSlug]
	return h, ok
}

// BundleLoader resolves a step's bundle:slug@version binding to a runnable
// JobHandler, verifying the artifact checksum before returning it.
// internal/bundle supplies the production implementation.
type BundleLoader interface {
	Load(ctx context.Context, slug, version string) (JobHandler, error)
}

// ServiceCaller performs the HTTP-style call a Service step's RequestTemplate
// describes.
type ServiceCaller interface {
	Call(ctx context.Context, serviceSlug string, req *catalog.RequestTemplate) (statusCode int, body []byte, err error)
	// Healthy reports the last known health snapshot for a service, gating
	// requireHealthy/allowDegraded attempts.
	Healthy(ctx context.Context, serviceSlug string) (healthy, degraded bool)
}

// AssetRecorder wires a step's produceAsset() calls through to the Asset
// Ledger (internal/assets), atomic with the step's own completion.
type AssetRecorder interface {
	RecordMaterialization(ctx context.Context, run *catalog.WorkflowRun, step *catalog.Step, runStep *catalog.WorkflowRunStep, decl catalog.AssetDeclaration, payload, schema, freshness []byte) error
}

// heartbeatThrottle persists at most one heartbeat per interval per step,
// per the spec's "at most once per 5s" floor, so a handler that calls
// Heartbeat() on every loop iteration doesn't hammer the store.
type heartbeatThrottle struct {
	store      store.Backend
	runID      string
	runStepID  string
	stepID     string
	interval   time.Duration
	history    HistoryRecorder

	mu   sync.Mutex
	last time.Time
}

func newHeartbeatThrottle(backend store.Backend, runID, runStepID, stepID string, interval time.Duration, history HistoryRecorder) *heartbeatThrottle {
	return &heartbeatThrottle{store: backend, runID: runID, runStepID: runStepID, stepID: stepID, interval: interval, history: history}
}

// Beat records a heartbeat if at least interval has passed since the last
// one that was actually persisted; intermediate calls are dropped silently,
// matching handlers that heartbeat far more often than the floor.
func (h *heartbeatThrottle) Beat() {
	h.mu.Lock()
	now := time.Now().UTC()
	if !h.last.IsZero() && now.Sub(h.last) < h.interval {
		h.mu.Unlock()
		return
	}
	h.last = now
	h.mu.Unlock()

	ctx := context.Background()
	_ = h.store.Heartbeat(ctx, h.runStepID, now)
	_ = h.history.RecordHistory(ctx, h.runID, h.runStepID, h.stepID, catalog.EventStepHeartbeat, nil)
}
