// Package memstore is an in-process implementation of store.Backend backed
// by plain maps under a single mutex. It exists so package tests elsewhere
// in the engine can exercise the same transactional invariants the postgres
// backend enforces (run-key conflict, claim-once) without a
// live database, mirroring the teacher's convention of pairing every
// interface-segregated store with a fast in-memory double for unit tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// Backend is a goroutine-safe, in-memory store.Backend.
type Backend struct {
	mu sync.Mutex

	definitions map[string]*catalog.WorkflowDefinition
	runs        map[string]*catalog.WorkflowRun
	steps       map[string]*catalog.WorkflowRunStep
	materializations map[string]*catalog.AssetMaterialization
	stale       map[string]*catalog.AssetStalePartition
	partitionParams map[string]*catalog.AssetPartitionParameters
	autoMaterializeClaims map[string]*catalog.AutoMaterializeClaim
	bundleVersions map[string]*catalog.JobBundleVersion
	bundleLatest   map[string]string
	schedules   map[string]*catalog.Schedule
	triggers    map[string]*catalog.EventTrigger
	deliveries  map[string]*catalog.TriggerDelivery
	sourcePauses map[string]*sourcePause
	history     []*catalog.ExecutionHistory
	audit       []*catalog.AuditLog
}

// sourcePause records an active source-level pause (spec §4.5): an event
// source whose recent failures crossed the dispatcher's
// SourceFailureThreshold gets suspended independent of any one trigger's own
// pause state.
type sourcePause struct {
	reason string
	until  time.Time
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		definitions:      make(map[string]*catalog.WorkflowDefinition),
		runs:             make(map[string]*catalog.WorkflowRun),
		steps:            make(map[string]*catalog.WorkflowRunStep),
		materializations: make(map[string]*catalog.AssetMaterialization),
		stale:            make(map[string]*catalog.AssetStalePartition),
		partitionParams:  make(map[string]*catalog.AssetPartitionParameters),
		autoMaterializeClaims: make(map[string]*catalog.AutoMaterializeClaim),
		bundleVersions:   make(map[string]*catalog.JobBundleVersion),
		bundleLatest:     make(map[string]string),
		schedules:        make(map[string]*catalog.Schedule),
		triggers:         make(map[string]*catalog.EventTrigger),
		deliveries:       make(map[string]*catalog.TriggerDelivery),
		sourcePauses:     make(map[string]*sourcePause),
	}
}

func (b *Backend) Close() error { return nil }

var _ store.Backend = (*Backend)(nil)

func clone[T any](v T) *T {
	cp := v
	return &cp
}

// --- DefinitionStore ---

func (b *Backend) CreateDefinition(_ context.Context, def *catalog.WorkflowDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.definitions[def.ID] = clone(*def)
	return nil
}

func (b *Backend) GetDefinition(_ context.Context, id string) (*catalog.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.definitions[id]
	if !ok {
		return nil, catalogerr.NotFoundf("workflow definition %q not found", id)
	}
	return clone(*d), nil
}

func (b *Backend) GetDefinitionBySlug(_ context.Context, slug string) (*catalog.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *catalog.WorkflowDefinition
	for _, d := range b.definitions {
		if d.Slug != slug {
			continue
		}
		if best == nil || d.Version > best.Version {
			best = d
		}
	}
	if best == nil {
		return nil, catalogerr.NotFoundf("workflow definition %q not found", slug)
	}
	return clone(*best), nil
}

func (b *Backend) UpdateDefinitionSchedule(_ context.Context, id string, nextRunAt *time.Time, lastWindow []byte, cursor *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.definitions[id]
	if !ok {
		return catalogerr.NotFoundf("workflow definition %q not found", id)
	}
	d.ScheduleNextRunAt = nextRunAt
	d.ScheduleLastMaterializedWindow = lastWindow
	d.ScheduleCatchupCursor = cursor
	return nil
}

func (b *Backend) ListLatestDefinitions(_ context.Context) ([]*catalog.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := make(map[string]*catalog.WorkflowDefinition)
	for _, d := range b.definitions {
		cur, ok := best[d.Slug]
		if !ok || d.Version > cur.Version {
			best[d.Slug] = d
		}
	}
	out := make([]*catalog.WorkflowDefinition, 0, len(best))
	for _, d := range best {
		out = append(out, clone(*d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (b *Backend) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]*catalog.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*catalog.WorkflowDefinition
	for _, d := range b.definitions {
		if d.ScheduleNextRunAt != nil && !d.ScheduleNextRunAt.After(now) {
			out = append(out, clone(*d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleNextRunAt.Before(*out[j].ScheduleNextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- RunStore ---

func (b *Backend) CreateRun(_ context.Context, run *catalog.WorkflowRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if run.RunKeyNormalized != "" {
		for _, existing := range b.runs {
			if existing.WorkflowDefinitionID == run.WorkflowDefinitionID &&
				existing.RunKeyNormalized == run.RunKeyNormalized &&
				!existing.Status.Terminal() {
				return catalogerr.Conflictf("an active run already exists for this run key").WithDetail(existing.ID)
			}
		}
	}
	b.runs[run.ID] = clone(*run)
	return nil
}

func (b *Backend) GetRun(_ context.Context, id string) (*catalog.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return nil, catalogerr.NotFoundf("workflow run %q not found", id)
	}
	return clone(*r), nil
}

func (b *Backend) ListRuns(_ context.Context, filter store.RunFilter) ([]*catalog.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	statusSet := map[catalog.RunStatus]bool{}
	for _, s := range filter.Status {
		statusSet[s] = true
	}

	var out []*catalog.WorkflowRun
	for _, r := range b.runs {
		if filter.WorkflowDefinitionID != "" && r.WorkflowDefinitionID != filter.WorkflowDefinitionID {
			continue
		}
		if filter.TriggeredBy != "" && r.TriggeredBy != filter.TriggeredBy {
			continue
		}
		if len(statusSet) > 0 && !statusSet[r.Status] {
			continue
		}
		out = append(out, clone(*r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) ClaimRun(_ context.Context, runID, claimOwner string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		return false, catalogerr.NotFoundf("workflow run %q not found", runID)
	}
	if r.Status != catalog.RunPending {
		return false, nil
	}
	r.Status = catalog.RunRunning
	r.ClaimOwner = claimOwner
	r.StartedAt = clone(now)
	r.UpdatedAt = now
	return true, nil
}

func (b *Backend) ReclaimStaleRuns(_ context.Context, currentOwner string, heartbeatTimeout time.Duration, now time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-heartbeatTimeout)

	var ids []string
	for _, r := range b.runs {
		if r.Status != catalog.RunRunning || r.ClaimOwner == currentOwner {
			continue
		}
		last := r.StartedAt
		for _, s := range b.steps {
			if s.WorkflowRunID != r.ID || s.LastHeartbeatAt == nil {
				continue
			}
			if last == nil || s.LastHeartbeatAt.After(*last) {
				last = s.LastHeartbeatAt
			}
		}
		if last == nil || last.Before(cutoff) {
			r.ClaimOwner = currentOwner
			r.UpdatedAt = now
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (b *Backend) FinalizeRun(_ context.Context, runID string, status catalog.RunStatus, output []byte, errMessage string, history *catalog.ExecutionHistory, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		return catalogerr.NotFoundf("workflow run %q not found", runID)
	}
	r.Status = status
	r.Output = output
	r.ErrorMessage = errMessage
	r.CurrentStepID = ""
	r.CompletedAt = clone(now)
	if r.StartedAt != nil {
		d := now.Sub(*r.StartedAt).Milliseconds()
		r.DurationMs = &d
	}
	r.UpdatedAt = now
	if history != nil {
		history.WorkflowRunID = runID
		history.CreatedAt = now
		b.history = append(b.history, clone(*history))
	}
	return nil
}

func (b *Backend) UpdateRunProgress(_ context.Context, runID string, currentStepID string, currentStepIndex int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		return catalogerr.NotFoundf("workflow run %q not found", runID)
	}
	r.CurrentStepID = currentStepID
	r.CurrentStepIndex = &currentStepIndex
	return nil
}

func (b *Backend) CancelRun(_ context.Context, runID, reason string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok || r.Status.Terminal() {
		return catalogerr.NotFoundf("workflow run %q not found or already terminal", runID)
	}
	r.Status = catalog.RunCanceled
	r.ErrorMessage = reason
	r.CompletedAt = clone(now)
	r.UpdatedAt = now
	return nil
}

// --- StepStore ---

func (b *Backend) CreateStep(_ context.Context, step *catalog.WorkflowRunStep) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps[step.ID] = clone(*step)
	return nil
}

func (b *Backend) GetStep(_ context.Context, id string) (*catalog.WorkflowRunStep, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return nil, catalogerr.NotFoundf("workflow run step %q not found", id)
	}
	return clone(*s), nil
}

func (b *Backend) ListStepsForRun(_ context.Context, runID string) ([]*catalog.WorkflowRunStep, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*catalog.WorkflowRunStep
	for _, s := range b.steps {
		if s.WorkflowRunID == runID {
			out = append(out, clone(*s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) TransitionStep(_ context.Context, stepID string, status catalog.StepStatus, attempt int, failureReason string, output []byte, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[stepID]
	if !ok {
		return catalogerr.NotFoundf("workflow run step %q not found", stepID)
	}
	if attempt > s.Attempt {
		s.RetryCount++
	}
	s.Status = status
	s.Attempt = attempt
	s.FailureReason = failureReason
	if output != nil {
		s.Output = output
	}
	if status == catalog.StepRunning && s.StartedAt == nil {
		s.StartedAt = clone(now)
	}
	if status.Terminal() {
		s.CompletedAt = clone(now)
	}
	s.UpdatedAt = now
	return nil
}

func (b *Backend) Heartbeat(_ context.Context, stepID string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[stepID]
	if !ok || s.Status != catalog.StepRunning {
		return catalogerr.NotFoundf("workflow run step %q not running", stepID)
	}
	s.LastHeartbeatAt = clone(now)
	return nil
}

// --- AssetStore ---

func materializationKey(definitionID, assetID, partitionKey string) string {
	return definitionID + "\x00" + assetID + "\x00" + partitionKey
}

func (b *Backend) RecordMaterialization(_ context.Context, m *catalog.AssetMaterialization) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.materializations[materializationKey(m.WorkflowDefinitionID, m.AssetID, m.PartitionKey)] = clone(*m)
	delete(b.stale, materializationKey(m.WorkflowDefinitionID, m.AssetID, m.PartitionKey))
	return nil
}

func (b *Backend) GetLatestMaterialization(_ context.Context, definitionID, assetID, partitionKey string) (*catalog.AssetMaterialization, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.materializations[materializationKey(definitionID, assetID, partitionKey)]
	if !ok {
		return nil, catalogerr.NotFoundf("no materialization for asset %q partition %q", assetID, partitionKey)
	}
	return clone(*m), nil
}

func (b *Backend) MarkStale(_ context.Context, marker *catalog.AssetStalePartition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale[materializationKey(marker.WorkflowDefinitionID, marker.AssetID, marker.PartitionKey)] = clone(*marker)
	return nil
}

func (b *Backend) ClearStale(_ context.Context, definitionID, assetID, partitionKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stale, materializationKey(definitionID, assetID, partitionKey))
	return nil
}

func (b *Backend) ListStale(_ context.Context, definitionID string) ([]*catalog.AssetStalePartition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*catalog.AssetStalePartition
	for _, m := range b.stale {
		if m.WorkflowDefinitionID == definitionID {
			out = append(out, clone(*m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (b *Backend) PutPartitionParameters(_ context.Context, p *catalog.AssetPartitionParameters) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitionParams[materializationKey(p.WorkflowDefinitionID, p.AssetID, p.PartitionKey)] = clone(*p)
	return nil
}

func (b *Backend) GetAutoMaterializeClaim(_ context.Context, definitionID, assetID, partitionKey string) (*catalog.AutoMaterializeClaim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.autoMaterializeClaims[materializationKey(definitionID, assetID, partitionKey)]
	if !ok {
		return nil, catalogerr.NotFoundf("no auto-materialize claim for asset %q partition %q", assetID, partitionKey)
	}
	return clone(*c), nil
}

func (b *Backend) UpsertAutoMaterializeClaim(_ context.Context, claim *catalog.AutoMaterializeClaim) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoMaterializeClaims[materializationKey(claim.WorkflowDefinitionID, claim.AssetID, claim.PartitionKey)] = clone(*claim)
	return nil
}

// --- BundleStore ---

func bundleKey(slug, version string) string { return slug + "\x00" + version }

func (b *Backend) PublishVersion(_ context.Context, v *catalog.JobBundleVersion, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bundleKey(v.Slug, v.Version)
	if existing, ok := b.bundleVersions[key]; ok {
		if !force {
			return catalogerr.Conflictf("bundle version %s/%s already published", v.Slug, v.Version)
		}
		if existing.Immutable {
			return catalogerr.Conflictf("bundle version %s/%s is immutable and cannot be replaced", v.Slug, v.Version)
		}
	}
	b.bundleVersions[key] = clone(*v)
	b.bundleLatest[v.Slug] = v.Version
	return nil
}

func (b *Backend) GetVersion(_ context.Context, slug, version string) (*catalog.JobBundleVersion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.bundleVersions[bundleKey(slug, version)]
	if !ok {
		return nil, catalogerr.NotFoundf("bundle version %s/%s not found", slug, version)
	}
	return clone(*v), nil
}

func (b *Backend) GetLatestVersion(_ context.Context, slug string) (*catalog.JobBundleVersion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	version, ok := b.bundleLatest[slug]
	if !ok {
		return nil, catalogerr.NotFoundf("no published version for bundle %q", slug)
	}
	v := b.bundleVersions[bundleKey(slug, version)]
	return clone(*v), nil
}

func (b *Backend) DeprecateVersion(_ context.Context, slug, version string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.bundleVersions[bundleKey(slug, version)]
	if !ok {
		return catalogerr.NotFoundf("bundle version %s/%s not found", slug, version)
	}
	v.Status = catalog.BundleDeprecated
	v.DeprecatedAt = clone(now)
	return nil
}

// --- ScheduleStore ---

func (b *Backend) CreateSchedule(_ context.Context, s *catalog.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedules[s.ID] = clone(*s)
	return nil
}

func (b *Backend) ClaimDueSchedules(_ context.Context, now time.Time, limit int) ([]*catalog.Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*catalog.Schedule
	for _, s := range b.schedules {
		if s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			out = append(out, clone(*s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, s := range out {
		b.schedules[s.ID].NextRunAt = nil
	}
	return out, nil
}

func (b *Backend) AdvanceSchedule(_ context.Context, scheduleID string, nextRunAt time.Time, lastWindow []byte, cursor time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[scheduleID]
	if !ok {
		return catalogerr.NotFoundf("schedule %q not found", scheduleID)
	}
	s.NextRunAt = clone(nextRunAt)
	s.LastMaterializedWindow = lastWindow
	s.CatchupCursor = clone(cursor)
	return nil
}

// --- TriggerStore ---

func (b *Backend) CreateEventTrigger(_ context.Context, t *catalog.EventTrigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggers[t.ID] = clone(*t)
	return nil
}

func (b *Backend) ListTriggersForEvent(_ context.Context, eventType, eventSource string) ([]*catalog.EventTrigger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*catalog.EventTrigger
	for _, t := range b.triggers {
		if t.EventType != eventType {
			continue
		}
		if t.EventSource != "" && t.EventSource != eventSource {
			continue
		}
		out = append(out, clone(*t))
	}
	return out, nil
}

func (b *Backend) CreateDelivery(_ context.Context, d *catalog.TriggerDelivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries[d.ID] = clone(*d)
	return nil
}

func (b *Backend) UpdateDeliveryStatus(_ context.Context, deliveryID string, status catalog.DeliveryStatus, runID, errMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.deliveries[deliveryID]
	if !ok {
		return catalogerr.NotFoundf("trigger delivery %q not found", deliveryID)
	}
	d.Status = status
	d.WorkflowRunID = runID
	d.Error = errMessage
	return nil
}

func (b *Backend) PauseTrigger(_ context.Context, triggerID, reason string, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.triggers[triggerID]
	if !ok {
		return catalogerr.NotFoundf("event trigger %q not found", triggerID)
	}
	t.Paused = true
	t.PausedReason = reason
	t.PausedUntil = clone(until)
	return nil
}

func (b *Backend) RecentFailureCount(_ context.Context, triggerID string, since time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, d := range b.deliveries {
		if d.EventTriggerID == triggerID && d.Status == catalog.DeliveryFailed && !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (b *Backend) PauseSource(_ context.Context, source, reason string, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sourcePauses[source] = &sourcePause{reason: reason, until: until}
	return nil
}

func (b *Backend) GetSourcePause(_ context.Context, source string) (bool, string, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.sourcePauses[source]
	if !ok {
		return false, "", time.Time{}, nil
	}
	return true, p.reason, p.until, nil
}

func (b *Backend) RecentFailureCountBySource(_ context.Context, source string, since time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, d := range b.deliveries {
		if d.EventSource == source && d.Status == catalog.DeliveryFailed && !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// --- HistoryStore ---

func (b *Backend) AppendHistory(_ context.Context, h *catalog.ExecutionHistory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, clone(*h))
	return nil
}

func (b *Backend) ListHistory(_ context.Context, runID string) ([]*catalog.ExecutionHistory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*catalog.ExecutionHistory
	for _, h := range b.history {
		if h.WorkflowRunID == runID {
			out = append(out, clone(*h))
		}
	}
	return out, nil
}

// --- AuditStore ---

func (b *Backend) AppendAudit(_ context.Context, a *catalog.AuditLog) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audit = append(b.audit, clone(*a))
	return nil
}
