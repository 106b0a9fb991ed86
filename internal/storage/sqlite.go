package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the run database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := validateSQLiteFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between concurrent job recorders.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_run (
  id            TEXT PRIMARY KEY,
  project       TEXT NOT NULL,
  pipeline_name TEXT NOT NULL,
  fingerprint   TEXT NOT NULL,
  ref           TEXT NOT NULL,
  source        TEXT NOT NULL,
  commit_sha    TEXT,
  status        TEXT NOT NULL,
  trigger_json  JSON NOT NULL,
  plan_json     JSON,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  finished_at   TEXT,
  error         TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_run (
  run_id         TEXT NOT NULL REFERENCES pipeline_run(id) ON DELETE CASCADE,
  name           TEXT NOT NULL,
  stage          TEXT NOT NULL,
  stage_index    INTEGER NOT NULL,
  status         TEXT NOT NULL,
  when_cond      TEXT NOT NULL,
  allow_failure  INTEGER NOT NULL DEFAULT 0,
  allowed_failure INTEGER NOT NULL DEFAULT 0,
  failure_reason TEXT,
  attempts       INTEGER NOT NULL DEFAULT 0,
  coverage       REAL,
  skip_reason    TEXT,
  created_at     TEXT NOT NULL,
  started_at     TEXT,
  finished_at    TEXT,
  PRIMARY KEY (run_id, name)
);`,
		`CREATE TABLE IF NOT EXISTS job_attempt (
  id             TEXT PRIMARY KEY,
  run_id         TEXT NOT NULL,
  job            TEXT NOT NULL,
  attempt        INTEGER NOT NULL,
  agent          TEXT NOT NULL,
  status         TEXT NOT NULL,
  exit_code      INTEGER,
  failure_reason TEXT,
  output         TEXT,
  truncated      INTEGER NOT NULL DEFAULT 0,
  started_at     TEXT NOT NULL,
  finished_at    TEXT,
  FOREIGN KEY (run_id, job) REFERENCES job_run(run_id, name) ON DELETE CASCADE
);`,
		`CREATE TABLE IF NOT EXISTS job_report (
  run_id     TEXT NOT NULL,
  job        TEXT NOT NULL,
  kind       TEXT NOT NULL,
  data       JSON NOT NULL,
  expire_at  TEXT,
  created_at TEXT NOT NULL,
  PRIMARY KEY (run_id, job, kind),
  FOREIGN KEY (run_id, job) REFERENCES job_run(run_id, name) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS pipeline_run_project_ref_idx ON pipeline_run(project, ref, created_at);`,
		`CREATE INDEX IF NOT EXISTS pipeline_run_status_idx ON pipeline_run(status);`,
		`CREATE INDEX IF NOT EXISTS job_attempt_run_job_idx ON job_attempt(run_id, job, attempt);`,
		`CREATE INDEX IF NOT EXISTS job_report_expire_idx ON job_report(expire_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
