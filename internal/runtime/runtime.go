// Package runtime assembles every engine component into one process-wide
// service, grounded on the teacher's internal/controller/daemon.Daemon:
// build the backend, then every policy layer over it, wire the
// orchestrator/executor dispatch loop, start the background pollers, and
// expose a single Start/Shutdown pair that sequences graceful drain the
// same way the teacher's Daemon does (stop accepting new work, wait for
// in-flight attempts, flush telemetry, close the store). Unlike the
// teacher, this package owns no HTTP listener: the thin HTTP route layer
// spec.md's Non-goals excludes is left to a caller that wants one.
package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/apphub/catalog/internal/assets"
	"github.com/apphub/catalog/internal/audit"
	"github.com/apphub/catalog/internal/automaterialize"
	"github.com/apphub/catalog/internal/bundle"
	"github.com/apphub/catalog/internal/config"
	"github.com/apphub/catalog/internal/eventbus"
	"github.com/apphub/catalog/internal/executor"
	"github.com/apphub/catalog/internal/leader"
	"github.com/apphub/catalog/internal/orchestrator"
	"github.com/apphub/catalog/internal/scheduler"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/internal/store/postgres"
	"github.com/apphub/catalog/internal/telemetry"
	"github.com/apphub/catalog/internal/trigger"
	"github.com/apphub/catalog/pkg/catalog"
)

// dbExposer is satisfied by internal/store/postgres.Backend; asserted
// against to enable leader election only when the backend actually has a
// raw *sql.DB to take an advisory lock against (internal/store/memstore
// does not, and shouldn't pretend to contend for one).
type dbExposer interface {
	DB() *sql.DB
}

// Runtime owns every long-lived component of the engine and sequences
// their startup and graceful shutdown.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	backend      store.Backend
	closeBackend bool
	bus          *eventbus.Bus

	bundleBlobs   *bundle.LocalStore
	bundleStore   *bundle.Store
	bundleLoader  *bundle.Loader
	bundleWatcher *bundle.CacheWatcher
	tokenSigner   *bundle.TokenSigner

	ledger   *assets.Ledger
	recorder *audit.Recorder

	dispatcher   *dispatcherHandle
	orchestrator *orchestrator.Orchestrator
	orchMetrics  *orchestrator.PromMetrics
	orchRegistry *prometheus.Registry
	executor     *executor.Executor

	scheduler       *scheduler.Scheduler
	automaterialize *automaterialize.Evaluator
	triggers        *trigger.Dispatcher
	triggerSub      *eventbus.Subscription

	services  *httpServiceCaller
	elector   *leader.Elector
	telemetry *telemetry.Provider

	analytics *analyticsTask

	leaderCancel context.CancelFunc

	stop context.CancelFunc
	done chan struct{}
}

// Option customizes a Runtime at construction time, beyond what cfg alone
// determines.
type Option func(*options)

type options struct {
	backend store.Backend
	jobs    executor.HandlerRegistry
}

// WithBackend injects a pre-built store.Backend (internal/store/memstore in
// tests) instead of opening a Postgres pool from cfg.Store.
func WithBackend(backend store.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithJobHandlers registers in-process job handlers (steps whose JobSlug
// isn't bound to a published bundle).
func WithJobHandlers(jobs executor.HandlerRegistry) Option {
	return func(o *options) { o.jobs = jobs }
}

// New assembles a Runtime from cfg. It opens the configured backend and
// every policy layer over it but does not start any background loop;
// call Start for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	rt := &Runtime{cfg: cfg, logger: logger}

	backend := o.backend
	if backend == nil {
		pg, err := postgres.New(ctx, postgres.Config{
			ConnectionString: cfg.Store.ConnectionString,
			MaxOpenConns:     cfg.Store.MaxOpenConns,
			MaxIdleConns:     cfg.Store.MaxIdleConns,
			ConnMaxLifetime:  cfg.Store.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening store backend: %w", err)
		}
		backend = pg
		rt.closeBackend = true
	}
	rt.backend = backend

	bus, err := buildEventBus(cfg.EventBus, logger)
	if err != nil {
		return nil, err
	}
	rt.bus = bus

	blobs, err := bundle.NewLocalStore(cfg.Bundle.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("opening bundle blob store: %w", err)
	}
	rt.bundleBlobs = blobs
	var bundleOpts []bundle.Option
	if cfg.Bundle.S3Bucket != "" {
		s3Store, err := bundle.NewS3Store(ctx, bundle.S3Config{
			Bucket:   cfg.Bundle.S3Bucket,
			Prefix:   cfg.Bundle.S3Prefix,
			Region:   cfg.Bundle.S3Region,
			Endpoint: cfg.Bundle.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("building bundle S3 store: %w", err)
		}
		bundleOpts = append(bundleOpts, bundle.WithS3Store(s3Store))
	}
	rt.bundleStore = bundle.New(backend, blobs, bundleOpts...)
	rt.bundleLoader = bundle.NewLoader(rt.bundleStore)
	watcher, err := bundle.NewCacheWatcher(rt.bundleStore, log(logger, "bundle-cache-watcher"))
	if err != nil {
		return nil, fmt.Errorf("starting bundle cache watcher: %w", err)
	}
	rt.bundleWatcher = watcher
	rt.tokenSigner = bundle.NewTokenSigner([]byte(cfg.Bundle.DownloadTokenSecret), cfg.Bundle.DownloadTokenTTL)

	rt.recorder = audit.New(backend)
	rt.ledger = assets.New(backend,
		assets.WithEventPublisher(rt.bus),
		assets.WithHistoryRecorder(rt.recorder),
		assets.WithLogger(log(logger, "assets")),
	)

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("starting telemetry provider: %w", err)
		}
		rt.telemetry = provider
	}

	// orchMetrics gets its own dedicated registry rather than sharing the
	// telemetry provider's Prometheus exporter registerer: registering the
	// same collector names against both would panic on duplicate
	// registration the moment both are enabled.
	rt.orchRegistry = prometheus.NewRegistry()
	rt.orchMetrics = orchestrator.NewPromMetrics(rt.orchRegistry)

	rt.dispatcher = &dispatcherHandle{}
	rt.orchestrator = orchestrator.New(backend, rt.dispatcher, cfg.Runtime.InstanceID,
		orchestrator.WithMetrics(rt.orchMetrics),
		orchestrator.WithEventPublisher(rt.bus),
		orchestrator.WithHistoryRecorder(rt.recorder),
		orchestrator.WithLogger(log(logger, "orchestrator")),
	)

	services, err := newHTTPServiceCaller(cfg.Services, log(logger, "service-caller"))
	if err != nil {
		return nil, fmt.Errorf("building service caller: %w", err)
	}
	rt.services = services

	jobs := o.jobs
	if jobs == nil {
		jobs = executor.StaticRegistry{}
	}
	rt.executor = executor.New(backend, rt.orchestrator, jobs, executor.Config{
		MaxConcurrency:    cfg.Runtime.ExecutorConcurrency,
		HeartbeatInterval: cfg.Runtime.ExecutorHeartbeatInterval,
		DefaultTimeout:    cfg.Runtime.ExecutorDefaultTimeout,
	},
		executor.WithBundleLoader(rt.bundleLoader),
		executor.WithServiceCaller(rt.services),
		executor.WithAssetRecorder(rt.ledger),
		executor.WithHistoryRecorder(rt.recorder),
		executor.WithLogger(log(logger, "executor")),
	)
	rt.dispatcher.set(rt.executor)

	rt.scheduler = scheduler.New(backend, rt.orchestrator, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, scheduler.WithLogger(log(logger, "scheduler")))

	rt.automaterialize = automaterialize.New(backend, rt.ledger, rt.orchestrator, automaterialize.Config{
		PollInterval: cfg.Scheduler.AutoMaterializePoll,
	}, automaterialize.WithLogger(log(logger, "automaterialize")))

	rt.triggers = trigger.New(backend, rt.orchestrator, trigger.Config{
		FailureWindow:          cfg.Scheduler.TriggerFailureWindow,
		PauseCooldown:          cfg.Scheduler.TriggerPauseCooldown,
		SourceFailureThreshold: cfg.Scheduler.TriggerSourceFailureThreshold,
		SourcePauseCooldown:    cfg.Scheduler.TriggerSourcePauseCooldown,
	}, trigger.WithEventPublisher(rt.bus), trigger.WithLogger(log(logger, "trigger")))
	rt.triggerSub = rt.bus.Subscribe(rt.triggers.HandleBusEvent)

	rt.bus.Subscribe(rt.recordRunHistory)

	rt.analytics = newAnalyticsTask(backend, rt.bus, cfg.Analytics, log(logger, "analytics"))

	if cfg.Runtime.LeaderElection {
		if exposer, ok := backend.(dbExposer); ok {
			rt.elector = leader.NewElector(leader.Config{
				DB:            exposer.DB(),
				InstanceID:    cfg.Runtime.InstanceID,
				RetryInterval: cfg.Runtime.LeaderRetryInterval,
				Logger:        log(logger, "leader"),
			})
		} else {
			logger.Warn("leader election enabled but backend has no advisory-lock support, ignoring")
		}
	}

	return rt, nil
}

func log(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

func buildEventBus(cfg config.EventBusConfig, logger *slog.Logger) (*eventbus.Bus, error) {
	opts := []eventbus.Option{eventbus.WithLogger(log(logger, "eventbus"))}
	if cfg.Mode == "redis" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing event_bus.redis_url: %w", err)
		}
		client := redis.NewClient(opt)
		opts = append(opts, eventbus.WithRedis(client, cfg.Channel))
	}
	return eventbus.New(opts...), nil
}

// recordRunHistory is an eventbus.Subscriber that bridges workflow.run.*
// lifecycle events onto the append-only execution history log, closing the
// same spec §4.9 gap the orchestrator's new EventPublisher closed for
// §4.7: nothing else in the engine ever called audit.Recorder.RecordHistory
// for a run-scoped event before this.
func (rt *Runtime) recordRunHistory(ctx context.Context, event eventbus.Event) {
	var eventType catalog.HistoryEventType
	switch event.Type {
	case eventbus.TypeRunPending:
		eventType = catalog.EventRunCreated
	case eventbus.TypeRunRunning:
		eventType = catalog.EventRunStarted
	case eventbus.TypeRunSucceeded, eventbus.TypeRunFailed, eventbus.TypeRunCanceled:
		eventType = catalog.EventRunCompleted
	default:
		return
	}

	var payload struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.RunID == "" {
		return
	}
	if err := rt.recorder.RecordHistory(ctx, payload.RunID, "", "", eventType, event.Payload); err != nil {
		rt.logger.Warn("failed to record run history from event",
			slog.String("run_id", payload.RunID), slog.String("event_type", event.Type), slog.Any("error", err))
	}
}

// RegisterDefinition persists a new WorkflowDefinition and materializes its
// declared EventTriggers. No other package in the engine composes
// store.CreateDefinition with trigger.Dispatcher.SyncTriggers, so this is
// the one place that registration sequence lives.
func (rt *Runtime) RegisterDefinition(ctx context.Context, def *catalog.WorkflowDefinition, newTriggerID func() string) error {
	if err := rt.backend.CreateDefinition(ctx, def); err != nil {
		return fmt.Errorf("creating workflow definition %s: %w", def.Slug, err)
	}
	if err := rt.triggers.SyncTriggers(ctx, def, newTriggerID); err != nil {
		return fmt.Errorf("syncing triggers for %s: %w", def.Slug, err)
	}
	_ = rt.recorder.RecordAudit(ctx, "system", "definition.register", def.Slug, "success", nil, nil)
	return nil
}

// Orchestrator exposes the orchestrator for callers driving runs directly
// (manual trigger, an embedding CLI command).
func (rt *Runtime) Orchestrator() *orchestrator.Orchestrator { return rt.orchestrator }

// EventBus exposes the bus for callers that need to ingest external events
// (internal/trigger.Dispatcher.Ingest) or subscribe their own observers.
func (rt *Runtime) EventBus() *eventbus.Bus { return rt.bus }

// Bundles exposes the bundle store for publish/deprecate/download-token
// operations.
func (rt *Runtime) Bundles() *bundle.Store { return rt.bundleStore }

// DownloadTokens exposes the bundle artifact download token signer.
func (rt *Runtime) DownloadTokens() *bundle.TokenSigner { return rt.tokenSigner }

// History exposes the execution history / audit recorder for query-side
// callers.
func (rt *Runtime) History() *audit.Recorder { return rt.recorder }

// Ledger exposes the asset materialization ledger for query-side callers
// (the HTTP API's stale-marking and lookup endpoints).
func (rt *Runtime) Ledger() *assets.Ledger { return rt.ledger }

// MetricsRegistry exposes the orchestrator's dedicated Prometheus registry,
// for a caller that wants to serve it over its own HTTP route.
func (rt *Runtime) MetricsRegistry() *prometheus.Registry { return rt.orchRegistry }

// Backend exposes the store backend for read-side callers (the HTTP API's
// run listing and definition lookup) that don't belong on the orchestrator
// itself.
func (rt *Runtime) Backend() store.Backend { return rt.backend }

// Start launches every background component (bus Redis mirror, bundle
// cache watcher, scheduler, stale-run reclaim, auto-materialize, analytics,
// leader election) and returns immediately; components run until Shutdown
// is called. Mirrors the teacher's Daemon.Start sequencing minus the HTTP
// listener this engine doesn't own.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.stop = cancel
	rt.done = make(chan struct{})

	if err := rt.bus.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting event bus: %w", err)
	}

	go rt.bundleWatcher.Run()
	rt.services.Start(ctx)
	go rt.analytics.run(ctx)

	if rt.elector != nil {
		rt.elector.Start(ctx)
		rt.elector.OnLeadershipChange(func(isLeader bool) {
			if isLeader {
				rt.startLeaderOnlyTasks(ctx)
				rt.logger.Info("became leader, started schedule/auto-materialize polling")
			} else {
				rt.stopLeaderOnlyTasks()
				rt.logger.Info("lost leadership, stopped schedule/auto-materialize polling")
			}
		})
	} else {
		rt.startLeaderOnlyTasks(ctx)
	}

	go rt.reclaimLoop(ctx)

	close(rt.done)
	return nil
}

func (rt *Runtime) startLeaderOnlyTasks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.leaderCancel = cancel
	go func() {
		if err := rt.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Error("scheduler loop exited", slog.Any("error", err))
		}
	}()
	go func() {
		if err := rt.automaterialize.Run(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Error("auto-materialize loop exited", slog.Any("error", err))
		}
	}()
}

// reclaimLoop periodically takes over runs left running under a dead
// instance's claim, so a crashed replica never permanently strands a run.
// Unlike the scheduler/auto-materialize pollers, every replica runs this
// regardless of leadership: ReclaimStaleRuns is safe to call from every
// instance, since the store-level CAS-style ownership rewrite and
// AdvanceRun's re-read-before-dispatch loop make a concurrent reclaim by
// two replicas settle on one consistent outcome rather than double
// dispatching a step.
func (rt *Runtime) reclaimLoop(ctx context.Context) {
	interval := rt.cfg.Runtime.ReclaimInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := rt.orchestrator.ReclaimStaleRuns(ctx, rt.cfg.Runtime.HeartbeatTimeout, time.Now().UTC())
			if err != nil {
				rt.logger.Warn("reclaim sweep failed", slog.Any("error", err))
				continue
			}
			if len(reclaimed) > 0 {
				rt.logger.Info("reclaimed stale runs", slog.Int("count", len(reclaimed)))
			}
		}
	}
}

// stopLeaderOnlyTasks cancels the context startLeaderOnlyTasks ran the
// scheduler and auto-materialize loops under, so both exit.
func (rt *Runtime) stopLeaderOnlyTasks() {
	if rt.leaderCancel != nil {
		rt.leaderCancel()
		rt.leaderCancel = nil
	}
}

// Shutdown drains the executor, stops every background loop, flushes and
// closes the store, in the teacher's Daemon.Shutdown order: stop accepting
// new work, wait for in-flight attempts, then tear down dependencies.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.stop != nil {
		rt.stop()
	}

	drainCtx, cancel := context.WithTimeout(ctx, rt.cfg.Runtime.ShutdownGracePeriod)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		rt.executor.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-drainCtx.Done():
		rt.logger.Warn("shutdown grace period exceeded, proceeding with in-flight attempts still running")
	}

	if rt.elector != nil {
		rt.elector.Stop()
	}
	rt.services.Stop()
	if err := rt.bundleWatcher.Close(); err != nil {
		rt.logger.Warn("closing bundle cache watcher", slog.Any("error", err))
	}
	if rt.triggerSub != nil {
		rt.triggerSub.Close()
	}
	if err := rt.bus.Close(); err != nil {
		rt.logger.Warn("closing event bus", slog.Any("error", err))
	}
	if rt.telemetry != nil {
		if err := rt.telemetry.ForceFlush(ctx); err != nil {
			rt.logger.Warn("flushing telemetry provider", slog.Any("error", err))
		}
		if err := rt.telemetry.Shutdown(ctx); err != nil {
			rt.logger.Warn("shutting down telemetry provider", slog.Any("error", err))
		}
	}
	if rt.closeBackend {
		if err := rt.backend.Close(); err != nil {
			return fmt.Errorf("closing store backend: %w", err)
		}
	}
	return nil
}
