package queuer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OldAge is how long a STARTED entry can sit before Cleanup treats it
// as abandoned and eligible for restart.
const OldAge = 24 * time.Hour

// FileStatus is the lifecycle state of one tracked input file.
type FileStatus string

const (
	NotStarted FileStatus = "not_started"
	Started    FileStatus = "started"
	Finished   FileStatus = "finished"
)

// ErrNotStartable is returned by Tracker.Start when a file is already
// started or finished (and not eligible for cleanup-driven restart).
type ErrNotStartable struct {
	Name   string
	Status FileStatus
}

func (e *ErrNotStartable) Error() string {
	return fmt.Sprintf("queuer: %s not startable, status=%s", e.Name, e.Status)
}

// Tracker records which input files have been processed, so a
// re-invocation of the same queuer command never double-queues a
// file. Basename canonicalizes the tracked name, stripping directory
// components and a trailing .gz/.gzip.
type Tracker interface {
	// Start marks name STARTED if it is NOT_STARTED (or abandoned
	// STARTED past OldAge when cleanup is true), returning
	// *ErrNotStartable otherwise.
	Start(ctx context.Context, name string, cleanup bool) error
	// Finish marks name FINISHED on success, or reverts it to
	// NOT_STARTED on failure so a later run can retry it.
	Finish(ctx context.Context, name string, success bool) error
}

// Basename reduces a local path or URL to the canonical name stored in
// the tracker, stripping directories and a trailing gzip extension.
func Basename(name string) string {
	base := path.Base(name)
	if ext := path.Ext(base); ext == ".gz" || ext == ".gzip" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// DummyTracker never refuses a file; used in --force / --test modes.
type DummyTracker struct{}

func (DummyTracker) Start(context.Context, string, bool) error        { return nil }
func (DummyTracker) Finish(context.Context, string, bool) error       { return nil }

// PostgresTracker is the shared, durable file tracker: a single table
// replicated the original's preference (recorded in tracker.py's
// module docstring) for "something replicated/durable" over a
// per-node sqlite3 file, while staying on the pack's own Postgres
// stack (pgx + goose).
type PostgresTracker struct {
	pool *pgxpool.Pool
	app  string
}

// NewPostgresTracker builds a PostgresTracker scoped to appName (so
// multiple queuer programs can share one table without colliding on
// file names).
func NewPostgresTracker(pool *pgxpool.Pool, appName string) *PostgresTracker {
	return &PostgresTracker{pool: pool, app: appName}
}

func (t *PostgresTracker) Start(ctx context.Context, name string, cleanup bool) error {
	base := Basename(name)
	cutoff := time.Now().Add(-OldAge)

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queuer: begin tracker tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status FileStatus
	var ts time.Time
	err = tx.QueryRow(ctx,
		`SELECT status, ts FROM tracked_files WHERE app = $1 AND name = $2 FOR UPDATE`,
		t.app, base).Scan(&status, &ts)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx,
			`INSERT INTO tracked_files (app, name, status, ts) VALUES ($1, $2, $3, now())`,
			t.app, base, Started); err != nil {
			return fmt.Errorf("queuer: insert tracker row: %w", err)
		}
		return tx.Commit(ctx)
	case err != nil:
		return fmt.Errorf("queuer: query tracker row: %w", err)
	}

	startable := status == NotStarted || (cleanup && status == Started && ts.Before(cutoff))
	if !startable {
		return &ErrNotStartable{Name: base, Status: status}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tracked_files SET status = $1, ts = now() WHERE app = $2 AND name = $3`,
		Started, t.app, base); err != nil {
		return fmt.Errorf("queuer: update tracker row: %w", err)
	}
	return tx.Commit(ctx)
}

func (t *PostgresTracker) Finish(ctx context.Context, name string, success bool) error {
	base := Basename(name)
	status := Finished
	if !success {
		status = NotStarted
	}
	if _, err := t.pool.Exec(ctx,
		`UPDATE tracked_files SET status = $1, ts = now() WHERE app = $2 AND name = $3`,
		status, t.app, base); err != nil {
		return fmt.Errorf("queuer: finish tracker row: %w", err)
	}
	return nil
}
