// Package trigger dispatches external events against registered
// EventTriggers. Spec §4.5: subscribe to the event stream (§4.7); for each
// event, find matching triggers by eventType and optional eventSource and
// JSON-path predicate, apply a per-trigger throttle, and materialize a
// WorkflowRun on match. Triggers with too many failed deliveries within the
// failure window pause themselves; sources with too many failures across
// their triggers get source-paused.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apphub/catalog/internal/eventbus"
	"github.com/apphub/catalog/internal/jq"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// IncomingEvent is an externally observed occurrence — a webhook delivery,
// a message off a broker — that may match zero or more EventTriggers.
type IncomingEvent struct {
	ID     string
	Type   string
	Source string
	Data   json.RawMessage
}

// RunCreator is the narrow slice of internal/orchestrator.Orchestrator the
// dispatcher needs to materialize a run on a matched trigger.
type RunCreator interface {
	CreateRun(ctx context.Context, def *catalog.WorkflowDefinition, params []byte, triggeredBy catalog.TriggerSource, runKey, partitionKey string, resolveBundle func(ctx context.Context, slug string) (string, error)) (*catalog.WorkflowRun, error)
}

// EventPublisher is the narrow slice of internal/eventbus.Bus the
// dispatcher needs to fan an ingested event out across replicas.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }

// Config tunes throttle, pause, and failure-window behavior.
type Config struct {
	// FailureWindow bounds how far back RecentFailureCount looks when
	// deciding whether a trigger has crossed its FailureThreshold.
	FailureWindow time.Duration
	// PauseCooldown is how long a trigger stays paused once it crosses its
	// failure threshold.
	PauseCooldown time.Duration
	// SourceFailureThreshold pauses an entire event source, across all of
	// its triggers, once it has produced more than this many failed
	// deliveries within FailureWindow. Zero disables source-level pausing.
	SourceFailureThreshold int
	// SourcePauseCooldown is how long a source stays paused once it crosses
	// SourceFailureThreshold. Defaults to PauseCooldown.
	SourcePauseCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Hour
	}
	if c.PauseCooldown <= 0 {
		c.PauseCooldown = 15 * time.Minute
	}
	if c.SourcePauseCooldown <= 0 {
		c.SourcePauseCooldown = c.PauseCooldown
	}
	return c
}

// Dispatcher evaluates incoming events against registered EventTriggers.
type Dispatcher struct {
	store     store.Backend
	creator   RunCreator
	publisher EventPublisher
	predicate *jq.Executor
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithEventPublisher mirrors ingested events onto the event bus so every
// orchestrator replica's dispatcher reacts, not just the one that ingested
// the event.
func WithEventPublisher(p EventPublisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// New builds a Dispatcher.
func New(backend store.Backend, creator RunCreator, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     backend,
		creator:   creator,
		publisher: noopPublisher{},
		predicate: jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize),
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SyncTriggers materializes one EventTrigger row per TriggerSpec declared
// on a WorkflowDefinition. Called once when a definition is registered;
// this package has no definition-scoped trigger listing to diff against; on
// redeploy, callers re-register triggers only when the definition version
// that owns them changes.
func (d *Dispatcher) SyncTriggers(ctx context.Context, def *catalog.WorkflowDefinition, newTriggerID func() string) error {
	for _, spec := range def.Triggers {
		t := &catalog.EventTrigger{
			ID:                   newTriggerID(),
			WorkflowDefinitionID: def.ID,
			EventType:            spec.EventType,
			EventSource:          spec.EventSource,
			Predicate:            spec.Predicate,
			CreatedAt:            time.Now().UTC(),
			UpdatedAt:            time.Now().UTC(),
		}
		if err := d.store.CreateEventTrigger(ctx, t); err != nil {
			return fmt.Errorf("create event trigger for %s/%s: %w", def.Slug, spec.EventType, err)
		}
	}
	return nil
}

// Ingest publishes an externally observed event onto the bus and, via the
// bus's own synchronous in-process dispatch, evaluates it against
// registered triggers on this replica. Other replicas see the same event
// through the bus's Redis mirror and evaluate it independently.
func (d *Dispatcher) Ingest(ctx context.Context, evt IncomingEvent) error {
	return d.publisher.Publish(ctx, eventbus.TypeEventReceived, evt)
}

// HandleBusEvent is an eventbus.Subscriber: it decodes a
// "workflow.event.received" envelope and evaluates it.
func (d *Dispatcher) HandleBusEvent(ctx context.Context, event eventbus.Event) {
	if event.Type != eventbus.TypeEventReceived {
		return
	}
	var evt IncomingEvent
	if err := json.Unmarshal(event.Payload, &evt); err != nil {
		d.logger.Error("failed to decode incoming event envelope", slog.Any("error", err))
		return
	}
	if err := d.Evaluate(ctx, evt); err != nil {
		d.logger.Error("trigger evaluation failed",
			slog.String("event_type", evt.Type),
			slog.String("event_source", evt.Source),
			slog.Any("error", err))
	}
}

// Evaluate finds triggers matching evt and materializes a run for each
// match that passes its throttle and predicate.
func (d *Dispatcher) Evaluate(ctx context.Context, evt IncomingEvent) error {
	triggers, err := d.store.ListTriggersForEvent(ctx, evt.Type, evt.Source)
	if err != nil {
		return fmt.Errorf("list triggers for event %s: %w", evt.Type, err)
	}
	for _, t := range triggers {
		if err := d.evaluateOne(ctx, t, evt); err != nil {
			d.logger.Error("evaluating trigger failed",
				slog.String("trigger_id", t.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (d *Dispatcher) evaluateOne(ctx context.Context, t *catalog.EventTrigger, evt IncomingEvent) error {
	now := time.Now().UTC()
	if t.Paused {
		if t.PausedUntil == nil || now.Before(*t.PausedUntil) {
			return nil
		}
	}
	if evt.Source != "" {
		paused, _, until, err := d.store.GetSourcePause(ctx, evt.Source)
		if err != nil {
			d.logger.Error("checking source pause", slog.String("event_source", evt.Source), slog.Any("error", err))
		} else if paused && now.Before(until) {
			return nil
		}
	}
	if d.throttled(t) {
		return d.recordDelivery(ctx, t, evt, catalog.DeliveryThrottled, "", "")
	}
	matched, err := d.matchesPredicate(ctx, t, evt)
	if err != nil {
		return d.recordDelivery(ctx, t, evt, catalog.DeliveryFailed, "", fmt.Sprintf("predicate error: %v", err))
	}
	if !matched {
		return d.recordDelivery(ctx, t, evt, catalog.DeliverySkipped, "", "")
	}

	deliveryID := evt.ID + "-" + t.ID
	if err := d.store.CreateDelivery(ctx, &catalog.TriggerDelivery{
		ID:             deliveryID,
		EventTriggerID: t.ID,
		EventID:        evt.ID,
		EventSource:    evt.Source,
		Status:         catalog.DeliveryMatched,
		Payload:        evt.Data,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return fmt.Errorf("create matched trigger delivery: %w", err)
	}

	def, err := d.store.GetDefinition(ctx, t.WorkflowDefinitionID)
	if err != nil {
		return d.finishDelivery(ctx, t, deliveryID, evt.Source, catalog.DeliveryFailed, "", fmt.Sprintf("load definition: %v", err))
	}
	runKey := fmt.Sprintf("trigger-%s-%s", t.ID, evt.ID)
	run, err := d.creator.CreateRun(ctx, def, evt.Data, catalog.TriggeredByEvent, runKey, "", nil)
	if err != nil && catalogerr.KindOf(err) != catalogerr.Conflict {
		return d.finishDelivery(ctx, t, deliveryID, evt.Source, catalog.DeliveryFailed, "", err.Error())
	}
	runID := ""
	if run != nil {
		runID = run.ID
	}
	return d.finishDelivery(ctx, t, deliveryID, evt.Source, catalog.DeliveryLaunched, runID, "")
}

func (d *Dispatcher) matchesPredicate(ctx context.Context, t *catalog.EventTrigger, evt IncomingEvent) (bool, error) {
	if t.Predicate == "" {
		return true, nil
	}
	var data any
	if len(evt.Data) > 0 {
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return false, fmt.Errorf("decode event payload: %w", err)
		}
	}
	result, err := d.predicate.Execute(ctx, t.Predicate, data)
	if err != nil {
		return false, err
	}
	return isTruthy(result), nil
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

// throttled reports whether t has fired more recently than its ThrottleMs
// allows, via a token-bucket limiter (burst 1, refilling once per
// ThrottleMs) keyed per trigger. A successful, non-throttled call consumes
// the bucket's one token, so the next call within the interval is throttled
// without any separate "mark as fired" bookkeeping.
func (d *Dispatcher) throttled(t *catalog.EventTrigger) bool {
	if t.ThrottleMs <= 0 {
		return false
	}
	d.mu.Lock()
	lim, ok := d.limiters[t.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Duration(t.ThrottleMs)*time.Millisecond), 1)
		d.limiters[t.ID] = lim
	}
	d.mu.Unlock()
	return !lim.Allow()
}

func (d *Dispatcher) recordDelivery(ctx context.Context, t *catalog.EventTrigger, evt IncomingEvent, status catalog.DeliveryStatus, runID, errMessage string) error {
	delivery := &catalog.TriggerDelivery{
		ID:             evt.ID + "-" + t.ID,
		EventTriggerID: t.ID,
		EventID:        evt.ID,
		EventSource:    evt.Source,
		Status:         status,
		WorkflowRunID:  runID,
		Error:          errMessage,
		Payload:        evt.Data,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("create trigger delivery: %w", err)
	}
	if status == catalog.DeliveryFailed {
		d.maybePause(ctx, t)
		d.maybeSourcePause(ctx, evt.Source)
	}
	return nil
}

// finishDelivery transitions an already-created "matched" delivery to its
// terminal status, matching spec's "on launch, transition to launched or
// failed" sequencing.
func (d *Dispatcher) finishDelivery(ctx context.Context, t *catalog.EventTrigger, deliveryID, eventSource string, status catalog.DeliveryStatus, runID, errMessage string) error {
	if err := d.store.UpdateDeliveryStatus(ctx, deliveryID, status, runID, errMessage); err != nil {
		return fmt.Errorf("update trigger delivery status: %w", err)
	}
	if status == catalog.DeliveryFailed {
		d.maybePause(ctx, t)
		d.maybeSourcePause(ctx, eventSource)
	}
	if errMessage != "" {
		return fmt.Errorf("%s", errMessage)
	}
	return nil
}

func (d *Dispatcher) maybePause(ctx context.Context, t *catalog.EventTrigger) {
	if t.FailureThreshold <= 0 {
		return
	}
	since := time.Now().UTC().Add(-d.cfg.FailureWindow)
	count, err := d.store.RecentFailureCount(ctx, t.ID, since)
	if err != nil {
		d.logger.Error("failed to count recent trigger failures", slog.Any("error", err))
		return
	}
	if count <= t.FailureThreshold {
		return
	}
	until := time.Now().UTC().Add(d.cfg.PauseCooldown)
	reason := fmt.Sprintf("%d failures within %s exceeded failureThreshold=%d", count, d.cfg.FailureWindow, t.FailureThreshold)
	if err := d.store.PauseTrigger(ctx, t.ID, reason, until); err != nil {
		d.logger.Error("failed to pause trigger", slog.String("trigger_id", t.ID), slog.Any("error", err))
	}
}

// maybeSourcePause pauses an entire event source, across all of its
// triggers, once its deliveries have failed more than
// cfg.SourceFailureThreshold times within cfg.FailureWindow. Unlike
// per-trigger pausing this has no per-entity threshold to read, so the
// threshold is a dispatcher-wide Config value.
func (d *Dispatcher) maybeSourcePause(ctx context.Context, source string) {
	if source == "" || d.cfg.SourceFailureThreshold <= 0 {
		return
	}
	since := time.Now().UTC().Add(-d.cfg.FailureWindow)
	count, err := d.store.RecentFailureCountBySource(ctx, source, since)
	if err != nil {
		d.logger.Error("failed to count recent source failures", slog.String("event_source", source), slog.Any("error", err))
		return
	}
	if count <= d.cfg.SourceFailureThreshold {
		return
	}
	until := time.Now().UTC().Add(d.cfg.SourcePauseCooldown)
	reason := fmt.Sprintf("%d failures within %s exceeded sourceFailureThreshold=%d", count, d.cfg.FailureWindow, d.cfg.SourceFailureThreshold)
	if err := d.store.PauseSource(ctx, source, reason, until); err != nil {
		d.logger.Error("failed to pause source", slog.String("event_source", source), slog.Any("error", err))
	}
}
