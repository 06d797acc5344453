package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS consumption_outbox (
    receipt_hash    TEXT PRIMARY KEY,
    plugin_id       BIGINT NOT NULL,
    cost            TEXT NOT NULL,
    signature       TEXT NOT NULL,
    receipt         JSONB NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    tx_hash         TEXT NOT NULL DEFAULT '',
    next_attempt_at TIMESTAMPTZ NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS consumption_outbox_due_idx
    ON consumption_outbox (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS call_logs (
    id                BIGSERIAL PRIMARY KEY,
    job_id            TEXT NOT NULL DEFAULT '',
    plugin_id         BIGINT NOT NULL,
    caller            TEXT NOT NULL,
    cost              TEXT NOT NULL DEFAULT '0',
    success           BOOLEAN NOT NULL,
    status_code       INTEGER NOT NULL,
    error_kind        TEXT NOT NULL DEFAULT '',
    execution_time_ms BIGINT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS call_logs_plugin_idx ON call_logs (plugin_id, created_at);
`

// Migrate creates the gateway tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.Pool.Close()
}
