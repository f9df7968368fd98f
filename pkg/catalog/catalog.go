// Package catalog implements the work catalog: jobs, workflow steps,
// work items and the per-user fairness counters used to select the next
// work item for a service.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// A Notifier is told when new work becomes available for a service.
// The queue-mode deployment publishes a scheduling request on the
// control channel; direct-mode deployments use NopNotifier.
type Notifier interface {
	NotifyWorkAvailable(ctx context.Context, serviceID string)
}

type NopNotifier struct{}

func (NopNotifier) NotifyWorkAvailable(ctx context.Context, serviceID string) {}

// Store is the relational work catalog.
type Store struct {
	db       *sql.DB
	notifier Notifier
}

// Open the catalog database and bootstrap the schema.
// Claim transactions take the write lock immediately so that two
// concurrent selectors cannot both read the same ready item.
func Open(path string, notifier Notifier) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	if notifier == nil {
		notifier = NopNotifier{}
	}

	store := &Store{db: db, notifier: notifier}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'accepted',
		progress INTEGER NOT NULL DEFAULT 0,
		request TEXT NOT NULL DEFAULT '',
		num_input_granules INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username);

	CREATE TABLE IF NOT EXISTS workflow_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		step_index INTEGER NOT NULL,
		service_id TEXT NOT NULL,
		work_item_count INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		operation TEXT NOT NULL DEFAULT '',
		has_aggregated_output INTEGER NOT NULL DEFAULT 0,
		progress_weight REAL NOT NULL DEFAULT 1.0,
		UNIQUE(job_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		step_index INTEGER NOT NULL,
		service_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ready',
		runner TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		result_path TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(service_id, status, job_id, id);
	CREATE INDEX IF NOT EXISTS idx_work_items_job ON work_items(job_id, status);

	CREATE TABLE IF NOT EXISTS user_work (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		username TEXT NOT NULL,
		ready_count INTEGER NOT NULL DEFAULT 0,
		running_count INTEGER NOT NULL DEFAULT 0,
		last_worked INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(job_id, service_id)
	);

	CREATE INDEX IF NOT EXISTS idx_user_work_service ON user_work(service_id, ready_count, last_worked);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as unix milliseconds so that fairness ordering
// by last_worked is stable between claims in the same second.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
