// Package leader provides Postgres advisory-lock leader election so only
// one orchestrator replica drives schedule ticks and auto-materialize
// polling at a time; every replica still serves API traffic, runs the
// stale-run reclaim sweep, and claims runs/steps independently under
// row-level locks.
package leader

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLockID is the Postgres advisory lock ID orchestrator replicas
// contend for. Unique per application sharing the database.
const AdvisoryLockID int64 = 0x6361746c6f67 // "catlog" in hex

// Elector manages leader election using a PostgreSQL advisory lock.
type Elector struct {
	db         *sql.DB
	instanceID string
	isLeader   bool
	mu         sync.RWMutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	callbacks  []func(isLeader bool)
	logger     *slog.Logger

	retryInterval time.Duration
}

// Config contains leader election configuration.
type Config struct {
	DB            *sql.DB
	InstanceID    string
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// NewElector creates a new leader elector.
func NewElector(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		db:         cfg.DB,
		instanceID: cfg.InstanceID,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With(slog.String("component", "leader"), slog.String("instance_id", cfg.InstanceID)),

		retryInterval: cfg.RetryInterval,
	}
}

// Start begins the leader election loop in its own goroutine.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop halts the election loop and releases the lock if held.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback invoked whenever leadership
// status flips.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	e.tryAcquireLeadership(ctx)

	for {
		select {
		case <-ctx.Done():
			e.releaseLeadership(ctx)
			return
		case <-e.stopCh:
			e.releaseLeadership(ctx)
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquireLeadership(ctx)
			} else if !e.verifyLeadership(ctx) {
				e.setLeader(false)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

func (e *Elector) tryAcquireLeadership(ctx context.Context) {
	var acquired bool
	err := e.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&acquired)
	if err != nil {
		e.logger.Error("failed to acquire leadership", slog.Any("error", err))
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

func (e *Elector) verifyLeadership(ctx context.Context) bool {
	var holding bool
	err := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, AdvisoryLockID).Scan(&holding)
	if err != nil {
		e.logger.Error("failed to verify leadership", slog.Any("error", err))
		return false
	}
	return holding
}

func (e *Elector) releaseLeadership(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryLockID); err != nil {
		e.logger.Error("failed to release leadership", slog.Any("error", err))
	}
	e.setLeader(false)
	e.logger.Info("released leadership")
}

func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status describes current leadership state.
type Status struct {
	InstanceID string `json:"instanceId"`
	IsLeader   bool   `json:"isLeader"`
}

// Status returns the current leadership status.
func (e *Elector) Status() Status {
	return Status{InstanceID: e.instanceID, IsLeader: e.IsLeader()}
}
