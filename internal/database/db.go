// Package database wraps the Postgres store: market_klines (consumed
// through internal/kline.PGStore), projects, project_runs,
// project_positions, project_logs, and the atomic
// claim_due_projects(limit) RPC.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool shared by internal/kline.PGStore
// and internal/database.Repository.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database connection settings.
type Config struct {
	DSN      string
	MaxConns int
	MinConns int
}

// NewDB opens a pooled connection using cfg.DSN, applying MaxConns/MinConns
// when set.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database: DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}

	db := &DB{Pool: pool}
	if err := db.HealthCheck(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: initial health check: %w", err)
	}
	return db, nil
}

// HealthCheck pings the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// schema is applied by RunMigrations. It is intentionally idempotent
// (IF NOT EXISTS everywhere) so repeated startups are safe.
const schema = `
CREATE TABLE IF NOT EXISTS market_klines (
	exchange   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	open_time  BIGINT NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     DOUBLE PRECISION NOT NULL,
	close_time BIGINT NOT NULL,
	PRIMARY KEY (exchange, symbol, interval, open_time)
);
CREATE INDEX IF NOT EXISTS idx_market_klines_latest
	ON market_klines (exchange, symbol, interval, open_time DESC);

CREATE TABLE IF NOT EXISTS projects (
	id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	owner_id         UUID NOT NULL,
	generated_source TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 60,
	symbols          TEXT[] NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'live',
	last_run_status  TEXT,
	last_run_error   TEXT,
	next_run_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS project_runs (
	id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	project_id  UUID NOT NULL REFERENCES projects(id),
	user_id     UUID NOT NULL,
	mode        TEXT NOT NULL DEFAULT 'paper',
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	summary     TEXT,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_project_runs_project ON project_runs (project_id, started_at DESC);

CREATE TABLE IF NOT EXISTS project_positions (
	id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	project_id  UUID NOT NULL REFERENCES projects(id),
	user_id     UUID NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL DEFAULT 'long',
	status      TEXT NOT NULL DEFAULT 'open',
	qty         DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_price  DOUBLE PRECISION,
	exit_time   TIMESTAMPTZ,
	realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_project_positions_open
	ON project_positions (project_id, symbol) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS project_logs (
	id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	project_id UUID NOT NULL REFERENCES projects(id),
	user_id    UUID NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	meta       JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_project_logs_project ON project_logs (project_id, created_at DESC);

CREATE OR REPLACE FUNCTION claim_due_projects(p_limit INTEGER)
RETURNS TABLE (
	id               UUID,
	owner_id         UUID,
	generated_source TEXT,
	interval_seconds INTEGER
) AS $$
BEGIN
	RETURN QUERY
	UPDATE projects p SET
		claimed_at  = now(),
		next_run_at = now() + make_interval(secs => p.interval_seconds)
	FROM (
		SELECT pr.id FROM projects pr
		WHERE pr.next_run_at <= now() AND pr.status IN ('live', 'running')
		ORDER BY pr.next_run_at
		LIMIT p_limit
		FOR UPDATE SKIP LOCKED
	) due
	WHERE p.id = due.id
	RETURNING p.id, p.owner_id, p.generated_source, p.interval_seconds;
END;
$$ LANGUAGE plpgsql;
`

// RunMigrations applies the schema above. Safe to call on every startup.
func (db *DB) RunMigrations(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("database: run migrations: %w", err)
	}
	return nil
}
