// Package store owns the Postgres connection pool and the schema migration
// shared by the confidence, threshold, event log and write-back packages.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/db"
)

// PostgresStore holds the application's connection pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewWithPool wraps an existing pool. Used by tests and by callers that
// manage the pool lifecycle themselves.
func NewWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for the domain stores.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// postgresMigration requires Postgres 15+ for UNIQUE NULLS NOT DISTINCT.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS autopilot_signals (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id         TEXT NOT NULL,
	org_id          TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	signal          TEXT NOT NULL CHECK (signal IN ('approved','approved_edited','rejected','expired','undone','auto_executed','auto_undone')),
	rubber_stamp    BOOLEAN NOT NULL DEFAULT false,
	time_to_respond_ms BIGINT CHECK (time_to_respond_ms >= 0),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_autopilot_signals_pair ON autopilot_signals(user_id, action_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_autopilot_signals_org ON autopilot_signals(org_id, created_at DESC);

CREATE TABLE IF NOT EXISTS autopilot_confidence (
	user_id                TEXT NOT NULL,
	action_type            TEXT NOT NULL,
	org_id                 TEXT NOT NULL,
	confidence_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	approval_rate          DOUBLE PRECISION,
	clean_approval_rate    DOUBLE PRECISION,
	edit_rate              DOUBLE PRECISION,
	rejection_rate         DOUBLE PRECISION,
	undo_rate              DOUBLE PRECISION,
	rolling_30_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	rolling_30_signals     TEXT[] NOT NULL DEFAULT '{}',
	total_signals          INTEGER NOT NULL DEFAULT 0,
	total_approved         INTEGER NOT NULL DEFAULT 0,
	total_rejected         INTEGER NOT NULL DEFAULT 0,
	total_undone           INTEGER NOT NULL DEFAULT 0,
	approved_edited        INTEGER NOT NULL DEFAULT 0,
	clean_approved         INTEGER NOT NULL DEFAULT 0,
	avg_response_ms        BIGINT,
	first_signal_at        TIMESTAMPTZ,
	last_signal_at         TIMESTAMPTZ,
	days_active            INTEGER NOT NULL DEFAULT 0,
	promotion_eligible     BOOLEAN NOT NULL DEFAULT false,
	current_tier           TEXT NOT NULL DEFAULT 'suggest' CHECK (current_tier IN ('disabled','suggest','approve','auto')),
	cooldown_until         TIMESTAMPTZ,
	never_promote          BOOLEAN NOT NULL DEFAULT false,
	extra_required_signals INTEGER NOT NULL DEFAULT 0,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, action_type)
);

CREATE INDEX IF NOT EXISTS idx_autopilot_confidence_org ON autopilot_confidence(org_id);
CREATE INDEX IF NOT EXISTS idx_autopilot_confidence_candidates ON autopilot_confidence(current_tier, promotion_eligible, cooldown_until);

CREATE TABLE IF NOT EXISTS autopilot_thresholds (
	id                      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id                  TEXT,
	action_type             TEXT NOT NULL,
	from_tier               TEXT NOT NULL,
	to_tier                 TEXT NOT NULL,
	min_signals             INTEGER NOT NULL DEFAULT 0,
	min_clean_approval_rate DOUBLE PRECISION,
	max_rejection_rate      DOUBLE PRECISION,
	max_undo_rate           DOUBLE PRECISION,
	min_days_active         INTEGER NOT NULL DEFAULT 0,
	min_confidence_score    DOUBLE PRECISION,
	last_n_clean            INTEGER NOT NULL DEFAULT 0,
	enabled                 BOOLEAN NOT NULL DEFAULT true,
	never_promote           BOOLEAN NOT NULL DEFAULT false,
	requires_admin_approval BOOLEAN NOT NULL DEFAULT false,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_autopilot_thresholds_key UNIQUE NULLS NOT DISTINCT (org_id, action_type, from_tier, to_tier)
);

CREATE TABLE IF NOT EXISTS autopilot_events (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id          TEXT NOT NULL,
	org_id           TEXT NOT NULL,
	action_type      TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	from_tier        TEXT NOT NULL,
	to_tier          TEXT NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	approval_stats   JSONB,
	threshold_config JSONB,
	trigger_reason   TEXT NOT NULL DEFAULT '',
	cooldown_until   TIMESTAMPTZ,
	actor_id         TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_autopilot_events_pair ON autopilot_events(user_id, action_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_autopilot_events_org ON autopilot_events(org_id, created_at DESC);

CREATE TABLE IF NOT EXISTS crm_writeback_queue (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id             TEXT NOT NULL,
	source             TEXT NOT NULL,
	entity_type        TEXT NOT NULL,
	external_record_id TEXT,
	local_record_id    TEXT NOT NULL DEFAULT '',
	operation          TEXT NOT NULL CHECK (operation IN ('create','update','upsert')),
	payload            JSONB NOT NULL DEFAULT '{}',
	status             TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','completed','failed','dead_letter')),
	priority           INTEGER NOT NULL DEFAULT 100,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 5,
	last_error         TEXT NOT NULL DEFAULT '',
	next_retry_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_until       TIMESTAMPTZ,
	dedupe_key         TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_crm_writeback_claim ON crm_writeback_queue(priority, next_retry_at) WHERE status IN ('pending','failed');
CREATE INDEX IF NOT EXISTS idx_crm_writeback_org_status ON crm_writeback_queue(org_id, status);
CREATE INDEX IF NOT EXISTS idx_crm_writeback_locked ON crm_writeback_queue(locked_until) WHERE status = 'processing';
CREATE UNIQUE INDEX IF NOT EXISTS uq_crm_writeback_dedupe ON crm_writeback_queue(org_id, dedupe_key) WHERE dedupe_key IS NOT NULL AND status = 'pending';
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the idempotent schema DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
