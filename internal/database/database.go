// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// migrationLockID keeps concurrent replicas from racing on DDL statements.
// Distinct from other services sharing the PostgreSQL instance.
const migrationLockID int64 = 0x4C55_4D01 // "LUM" + 01

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id                TEXT PRIMARY KEY,
	plan                   TEXT NOT NULL DEFAULT 'free',
	status                 TEXT NOT NULL DEFAULT 'active',
	stripe_customer_id     TEXT NOT NULL DEFAULT '',
	stripe_subscription_id TEXT NOT NULL DEFAULT '',
	current_period_end     TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS enhancement_events (
	request_id      TEXT PRIMARY KEY,
	identity        TEXT NOT NULL,
	tier            TEXT NOT NULL,
	technique       TEXT NOT NULL DEFAULT '',
	format          TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	candidate_id    TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	fallback_depth  INTEGER NOT NULL DEFAULT 0,
	input_tokens    BIGINT NOT NULL DEFAULT 0,
	output_tokens   BIGINT NOT NULL DEFAULT 0,
	prompt_chars    INTEGER NOT NULL DEFAULT 0,
	latency_ms      BIGINT NOT NULL DEFAULT 0,
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_enhancement_events_timestamp ON enhancement_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_enhancement_events_identity ON enhancement_events(identity);
CREATE INDEX IF NOT EXISTS idx_enhancement_events_technique ON enhancement_events(technique);
CREATE INDEX IF NOT EXISTS idx_enhancement_events_model ON enhancement_events(provider, model);
`

// Migrate runs database schema migrations under an advisory lock.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
