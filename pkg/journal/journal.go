// Package journal keeps a history of conductor runs in a SQLite database:
// one row per run and one row per recorded failure.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"conductor/pkg/results"
)

// SchemaDDL creates the journal tables. It is safe to run on every open.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    seed INTEGER NOT NULL,
    workers INTEGER NOT NULL,
    items INTEGER NOT NULL,
    processed INTEGER NOT NULL,
    passed INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    pending INTEGER NOT NULL,
    crashes INTEGER NOT NULL,
    success INTEGER NOT NULL,
    active_ns INTEGER NOT NULL,
    total_ns INTEGER NOT NULL,
    started_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS failures (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    item TEXT,
    description TEXT,
    location TEXT,
    exception_class TEXT,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);
`

// ErrNotFound is returned by Get when no run has the given id.
var ErrNotFound = errors.New("journal: run not found")

// Run is one recorded run.
type Run struct {
	ID        string
	Seed      uint64
	Workers   int
	Items     int
	Processed int
	Passed    int
	Failed    int
	Pending   int
	Crashes   int
	Success   bool

	ActiveRuntime time.Duration
	TotalRuntime  time.Duration
	StartedAt     time.Time

	// Failures is only populated by Get.
	Failures []results.Failure
}

// NewRun captures a finished run from its results.
func NewRun(id string, seed uint64, workers int, r *results.Results, success bool) Run {
	return Run{
		ID:            id,
		Seed:          seed,
		Workers:       workers,
		Items:         r.ItemsTotal(),
		Processed:     r.ItemsProcessed(),
		Passed:        r.Passed(),
		Failed:        r.Failed(),
		Pending:       r.Pending(),
		Crashes:       r.WorkerCrashes(),
		Success:       success,
		ActiveRuntime: r.ActiveRuntime(),
		TotalRuntime:  r.TotalRuntime(),
		StartedAt:     r.StartedAt(),
		Failures:      r.Failures(),
	}
}

// Journal is an open run history.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path. Use ":memory:" for a
// throwaway journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores run and its failures in one transaction.
func (j *Journal) Record(ctx context.Context, run Run) (err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, seed, workers, items, processed, passed, failed, pending,
		                   crashes, success, active_ns, total_ns, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, int64(run.Seed), run.Workers, run.Items, run.Processed, run.Passed, run.Failed,
		run.Pending, run.Crashes, run.Success, int64(run.ActiveRuntime), int64(run.TotalRuntime),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal insert run %s: %w", run.ID, err)
	}

	for i, f := range run.Failures {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, position, kind, item, description, location, exception_class, message)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, string(f.Kind), f.Item, f.Description, f.Location, f.ExceptionClass, f.Message,
		)
		if err != nil {
			return fmt.Errorf("journal insert failure %d of %s: %w", i, run.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("journal commit: %w", err)
	}
	return nil
}

const runColumns = `id, seed, workers, items, processed, passed, failed, pending,
	crashes, success, active_ns, total_ns, started_at`

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	return runs, nil
}

// Get returns the run with the given id, including its failures.
func (j *Journal) Get(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT kind, item, description, location, exception_class, message
		 FROM failures WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return Run{}, fmt.Errorf("journal failures of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f                           results.Failure
			kind                        string
			item, desc, loc, class, msg sql.NullString
		)
		if err := rows.Scan(&kind, &item, &desc, &loc, &class, &msg); err != nil {
			return Run{}, fmt.Errorf("journal scan failure: %w", err)
		}
		f.Kind = results.Kind(kind)
		f.Item, f.Description, f.Location = item.String, desc.String, loc.String
		f.ExceptionClass, f.Message = class.String, msg.String
		run.Failures = append(run.Failures, f)
	}
	if err := rows.Err(); err != nil {
		return Run{}, fmt.Errorf("journal failures of %s: %w", id, err)
	}
	return run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run           Run
		seed          int64
		active, total int64
		startedAt     string
	)
	err := s.Scan(&run.ID, &seed, &run.Workers, &run.Items, &run.Processed, &run.Passed,
		&run.Failed, &run.Pending, &run.Crashes, &run.Success, &active, &total, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("journal scan run: %w", err)
	}
	run.Seed = uint64(seed)
	run.ActiveRuntime = time.Duration(active)
	run.TotalRuntime = time.Duration(total)
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Run{}, fmt.Errorf("journal run %s started_at %q: %w", run.ID, startedAt, err)
	}
	return run, nil
}
