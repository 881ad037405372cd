// Package postgres implements internal/store.Backend against PostgreSQL
// using database/sql with the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config configures the connection pool.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// Backend is the postgres-backed internal/store.Backend implementation.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the connection pool, pings it, and applies pending migrations.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	b := &Backend{db: db, logger: logger}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, migrations[0].sql); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	for _, m := range migrations[1:] {
		var applied bool
		row := b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE id = $1)`, m.id)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s: %w", m.id, err)
		}
		if applied {
			continue
		}

		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, m.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", m.id, err)
		}
		if b.logger != nil {
			b.logger.Debug("applied migration", "id", m.id)
		}
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// DB exposes the underlying connection pool for components that need raw
// database/sql access alongside the store.Backend interface, namely
// internal/leader's advisory-lock elector.
func (b *Backend) DB() *sql.DB {
	return b.db
}
