// Package scheduler evaluates cron Schedules and materializes WorkflowRuns
// when they come due. Spec §4.5: for each active Schedule, compute
// nextRunAt from cron+timezone; on each tick, claim schedules whose
// nextRunAt <= now and materialize a run. catchUp=true iterates every
// missed window between the schedule's catchupCursor and now; otherwise
// only the latest window is materialized.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// RunCreator is the narrow slice of internal/orchestrator.Orchestrator the
// scheduler needs. Declared locally so this package doesn't import the
// orchestrator package just to reference its concrete type.
type RunCreator interface {
	CreateRun(ctx context.Context, def *catalog.WorkflowDefinition, params []byte, triggeredBy catalog.TriggerSource, runKey, partitionKey string, resolveBundle func(ctx context.Context, slug string) (string, error)) (*catalog.WorkflowRun, error)
}

// Config controls how often the scheduler polls for due schedules and how
// many it claims per tick.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	return c
}

// Scheduler drives cron-based run materialization.
type Scheduler struct {
	store   store.Backend
	creator RunCreator
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New builds a Scheduler backed by the given store and run creator.
func New(backend store.Backend, creator RunCreator, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   backend,
		creator: creator,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, ticking every PollInterval, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("schedule tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick claims due schedules once and materializes runs for each. Exported
// so callers (and tests) can drive the scheduler without waiting on a
// ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.ClaimDueSchedules(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim due schedules: %w", err)
	}
	for _, sched := range due {
		if err := s.materialize(ctx, sched, now); err != nil {
			s.logger.Error("schedule materialization failed",
				slog.String("schedule_id", sched.ID),
				slog.String("workflow_definition_id", sched.WorkflowDefinitionID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (s *Scheduler) materialize(ctx context.Context, sched *catalog.Schedule, now time.Time) error {
	def, err := s.store.GetDefinition(ctx, sched.WorkflowDefinitionID)
	if err != nil {
		return fmt.Errorf("load workflow definition %s: %w", sched.WorkflowDefinitionID, err)
	}

	windows, err := windowsDue(sched, now)
	if err != nil {
		return fmt.Errorf("compute due windows: %w", err)
	}
	if len(windows) == 0 {
		return nil
	}

	s.logger.Info("materializing scheduled runs",
		slog.String("schedule_id", sched.ID),
		slog.Int("window_count", len(windows)))

	var lastWindow time.Time
	for _, window := range windows {
		partitionKey := window.UTC().Format(time.RFC3339)
		runKey := fmt.Sprintf("schedule-%s-%s", sched.ID, partitionKey)
		_, err := s.creator.CreateRun(ctx, def, nil, catalog.TriggeredBySchedule, runKey, partitionKey, nil)
		if err != nil && catalogerr.KindOf(err) == catalogerr.Conflict {
			// A run for this window was already materialized by another
			// replica that claimed the schedule first; not an error.
			s.logger.Debug("scheduled run already exists", slog.String("run_key", runKey))
		} else if err != nil {
			return fmt.Errorf("create run for window %s: %w", partitionKey, err)
		}
		lastWindow = window
	}

	next, err := nextRunAt(sched, now)
	if err != nil {
		return fmt.Errorf("compute next run time: %w", err)
	}
	lastWindowJSON, err := json.Marshal(map[string]string{"window": lastWindow.UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("marshal last materialized window: %w", err)
	}
	return s.store.AdvanceSchedule(ctx, sched.ID, next, lastWindowJSON, lastWindow.UTC())
}

// windowsDue returns, in ascending order, every cron activation time that
// is due for materialization: a single entry (now's most recent activation)
// when CatchUp is false, or every missed activation between the schedule's
// CatchupCursor and now when CatchUp is true.
func windowsDue(sched *catalog.Schedule, now time.Time) ([]time.Time, error) {
	schedule, loc, err := parseSchedule(sched)
	if err != nil {
		return nil, err
	}
	localNow := now.In(loc)

	if !sched.CatchUp {
		cursor := sched.CatchupCursor
		if cursor == nil {
			// First tick: the cursor starts 24h before now so the latest
			// activation within that day materializes exactly once.
			prior := localNow.Add(-24 * time.Hour)
			cursor = &prior
		}
		latest := *cursor
		for {
			next := schedule.Next(latest.In(loc))
			if next.After(localNow) {
				break
			}
			latest = next
		}
		if !latest.After(*cursor) {
			return nil, nil
		}
		return []time.Time{latest}, nil
	}

	cursor := localNow.Add(-24 * time.Hour)
	if sched.CatchupCursor != nil {
		cursor = sched.CatchupCursor.In(loc)
	}
	var windows []time.Time
	for {
		next := schedule.Next(cursor)
		if next.After(localNow) {
			break
		}
		windows = append(windows, next)
		cursor = next
	}
	return windows, nil
}

func nextRunAt(sched *catalog.Schedule, now time.Time) (time.Time, error) {
	schedule, loc, err := parseSchedule(sched)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.In(loc)).UTC(), nil
}

func parseSchedule(sched *catalog.Schedule) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if sched.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("load timezone %q: %w", sched.Timezone, err)
		}
	}
	schedule, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cron expression %q: %w", sched.Cron, err)
	}
	return schedule, loc, nil
}
