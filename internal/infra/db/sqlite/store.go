// Package sqlite is the single-node store used by the local profile and by
// tests. All access goes through one connection, so transactions serialize.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS goals (
    id               TEXT PRIMARY KEY,
    user_id          TEXT    NOT NULL,
    title            TEXT    NOT NULL,
    category         TEXT    NOT NULL,
    difficulty       TEXT    NOT NULL DEFAULT 'medium',
    target_days      INTEGER NOT NULL,
    target_count     INTEGER NOT NULL CHECK (target_count > 0),
    status           TEXT    NOT NULL CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
    attempts         INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT    NOT NULL DEFAULT '',
    lease_token      TEXT    NOT NULL DEFAULT '',
    lease_expires_at INTEGER,
    step_count       INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    completed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_goals_user_created ON goals (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_goals_status_updated ON goals (status, updated_at);

CREATE TABLE IF NOT EXISTS micro_steps (
    id           TEXT PRIMARY KEY,
    goal_id      TEXT    NOT NULL REFERENCES goals (id) ON DELETE CASCADE,
    step_order   INTEGER NOT NULL CHECK (step_order > 0),
    title        TEXT    NOT NULL CHECK (title <> ''),
    description  TEXT    NOT NULL DEFAULT '',
    tips         TEXT    NOT NULL DEFAULT '[]',
    completed_at INTEGER,
    skipped_at   INTEGER,
    skip_reason  TEXT    NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    UNIQUE (goal_id, step_order)
);

CREATE TABLE IF NOT EXISTS decomposition_jobs (
    id           TEXT PRIMARY KEY,
    goal_id      TEXT    NOT NULL,
    attempt      INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT    NOT NULL DEFAULT '',
    enqueued_at  INTEGER NOT NULL,
    available_at INTEGER NOT NULL,
    locked_until INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_available ON decomposition_jobs (available_at);
CREATE INDEX IF NOT EXISTS idx_jobs_goal ON decomposition_jobs (goal_id);
`

// Open opens dsn (a file path or ":memory:") on a single connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func ptrMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
