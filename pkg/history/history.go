// Package history archives terminal jobs and alerts in SQLite so the
// conversion history survives process restarts. The coordinator's
// in-memory rings stay authoritative for the running process; this store
// is read back only for diagnostics and the history listing.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// Store holds the SQLite handle. A single connection with WAL mode keeps
// writes serialized without write conflicts.
type Store struct {
	Path string
	DB   *sql.DB

	maxJobs   int
	maxAlerts int
}

// Options caps retention. Zero values keep everything.
type Options struct {
	MaxJobs   int
	MaxAlerts int
}

// Open connects to SQLite, applies pragmas, and runs migrations.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("history db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{Path: path, DB: conn, maxJobs: opts.MaxJobs, maxAlerts: opts.MaxAlerts}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			input_path TEXT NOT NULL,
			input_size INTEGER NOT NULL,
			output_path TEXT NOT NULL,
			percent REAL NOT NULL,
			failure_reason TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL,
			acknowledged_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// InsertJob archives a terminal job and prunes beyond the retention cap.
func (s *Store) InsertJob(ctx context.Context, j job.Job) error {
	if !j.State.Terminal() {
		return fmt.Errorf("job %s is not terminal (%s)", j.ID, j.State)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs
			(id, state, input_path, input_size, output_path, percent, failure_reason, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.State.String(), j.Input.Path, j.Input.SizeBytes, j.Output.Path,
		j.Progress.Percent, nullable(j.FailureReason),
		j.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(j.StartedAt), nullableTime(j.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return s.prune(ctx, "jobs", s.maxJobs)
}

// InsertAlert archives an alert and prunes beyond the retention cap.
func (s *Store) InsertAlert(ctx context.Context, a policy.Alert) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts (id, kind, severity, message, created_at, acknowledged_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.Severity.String(), a.Message,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(a.AcknowledgedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return s.prune(ctx, "alerts", s.maxAlerts)
}

// prune deletes the oldest rows beyond max, the same retention shape the
// in-memory rings use.
func (s *Store) prune(ctx context.Context, table string, max int) error {
	if max <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY created_at DESC LIMIT ?)`,
		table, table), max)
	if err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

// JobRecord is one archived job row.
type JobRecord struct {
	ID            string
	State         string
	InputPath     string
	InputSize     int64
	OutputPath    string
	Percent       float64
	FailureReason string
	CreatedAt     time.Time
	EndedAt       time.Time
}

// RecentJobs returns up to limit archived jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, state, input_path, input_size, output_path, percent,
		        COALESCE(failure_reason, ''), created_at, COALESCE(ended_at, '')
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created, ended string
		if err := rows.Scan(&rec.ID, &rec.State, &rec.InputPath, &rec.InputSize,
			&rec.OutputPath, &rec.Percent, &rec.FailureReason, &created, &ended); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if ended != "" {
			rec.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
