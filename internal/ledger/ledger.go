// Package ledger records job run history in SQLite. The table is
// append-only: dueness reads only the latest run per job.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger is the run history store.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path and applies migrations.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_name TEXT NOT NULL,
		run_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_runs_name ON job_runs(job_name, run_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrating ledger schema: %w", err)
	}
	return nil
}

// Record appends a run timestamp for the job. Timestamps are epoch seconds.
func (l *Ledger) Record(ctx context.Context, jobName string, runAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO job_runs (job_name, run_at) VALUES (?, ?)`,
		jobName, runAt.Unix())
	if err != nil {
		return fmt.Errorf("recording run for %s: %w", jobName, err)
	}
	return nil
}

// LastRun returns the most recent recorded run for the job. A job that has
// never run returns (zero time, false, nil).
func (l *Ledger) LastRun(ctx context.Context, jobName string) (time.Time, bool, error) {
	var last sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(run_at) FROM job_runs WHERE job_name = ?`,
		jobName).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying last run for %s: %w", jobName, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(last.Int64, 0), true, nil
}

// RunCount returns the number of recorded runs for the job.
func (l *Ledger) RunCount(ctx context.Context, jobName string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE job_name = ?`,
		jobName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting runs for %s: %w", jobName, err)
	}
	return n, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
