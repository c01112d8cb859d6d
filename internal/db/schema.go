package db

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Timestamps are stored as unix milliseconds so both dialects compare them
// numerically.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  queue TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','succeeded','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  queue TEXT NOT NULL,
  job_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  visible_at INTEGER NOT NULL,
  lease_token TEXT,
  deliveries INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_entries(queue, visible_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_job ON queue_entries(job_id)`,
	`CREATE TABLE IF NOT EXISTS triggers (
  name TEXT PRIMARY KEY,
  cron_expr TEXT NOT NULL,
  target_kind TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_fired_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS books (
  id TEXT PRIMARY KEY,
  book_name TEXT NOT NULL,
  book_description TEXT NOT NULL DEFAULT '',
  genre TEXT NOT NULL DEFAULT '',
  embedding TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  queue TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','succeeded','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  last_error TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
  seq BIGSERIAL PRIMARY KEY,
  queue TEXT NOT NULL,
  job_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  visible_at BIGINT NOT NULL,
  lease_token TEXT,
  deliveries INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_entries(queue, visible_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_job ON queue_entries(job_id)`,
	`CREATE TABLE IF NOT EXISTS triggers (
  name TEXT PRIMARY KEY,
  cron_expr TEXT NOT NULL,
  target_kind TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_fired_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS books (
  id TEXT PRIMARY KEY,
  book_name TEXT NOT NULL,
  book_description TEXT NOT NULL DEFAULT '',
  genre TEXT NOT NULL DEFAULT '',
  embedding TEXT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
}

// EnsureSchema creates tables if they don't exist.
func (d *DB) EnsureSchema(ctx context.Context) error {
	stmts := sqliteSchema
	if d.dialect == Postgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := d.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}
