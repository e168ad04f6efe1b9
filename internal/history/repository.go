// Package history records one row per supervised driver run in the
// service_runs table.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("history: run not found")

// List page sizes.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is a single driver run from spawn to teardown.
type Run struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Executable string     `json:"executable"`
	Port       int        `json:"port"`
	PID        int        `json:"pid"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	StartupMS  *int64     `json:"startup_ms,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ForcedKill bool       `json:"forced_kill"`
	Error      string     `json:"error,omitempty"`
}

// Outcome is what is known about a run once it has ended.
type Outcome struct {
	Status     string
	StoppedAt  time.Time
	ExitCode   int
	ForcedKill bool
	Error      string
}

// Filter controls which runs List returns.
type Filter struct {
	Name   string // optional: only runs of this service
	Limit  int    // default 50, max 200
	Offset int
}

// ListResult is a page of runs, most recent first.
type ListResult struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// Repository stores runs.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	MarkReady(ctx context.Context, id string, readyAt time.Time, startup time.Duration) error
	Finish(ctx context.Context, id string, outcome Outcome) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores runs in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts run. ID and StartedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = "run-" + uuid.NewString()[:8]
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO service_runs (id, name, executable, port, pid, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Executable, run.Port, run.PID, run.Status,
		formatTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// MarkReady records when the run's driver became reachable.
func (r *SQLiteRepository) MarkReady(ctx context.Context, id string, readyAt time.Time, startup time.Duration) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE service_runs SET status = 'ready', ready_at = ?, startup_ms = ? WHERE id = ?`,
		formatTime(readyAt), startup.Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("marking run ready: %w", err)
	}
	return checkAffected(res)
}

// Finish records the end of a run.
func (r *SQLiteRepository) Finish(ctx context.Context, id string, outcome Outcome) error {
	if outcome.StoppedAt.IsZero() {
		outcome.StoppedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE service_runs
		 SET status = ?, stopped_at = ?, exit_code = ?, forced_kill = ?, error = ?
		 WHERE id = ?`,
		outcome.Status, formatTime(outcome.StoppedAt), outcome.ExitCode,
		boolToInt(outcome.ForcedKill), nullableString(outcome.Error), id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return checkAffected(res)
}

// Get returns a single run.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM service_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns runs matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := ""
	var args []any
	if filter.Name != "" {
		where = "WHERE name = ?"
		args = append(args, filter.Name)
	}

	var total int
	//nolint:gosec // WHERE is a fixed parameterised clause
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM service_runs "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	//nolint:gosec // WHERE is a fixed parameterised clause
	query := "SELECT " + runColumns + " FROM service_runs " + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	return &ListResult{
		Runs:   runs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

const runColumns = "id, name, executable, port, pid, status, started_at, ready_at, stopped_at, startup_ms, exit_code, forced_kill, error"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run                          Run
		startedAt                    string
		readyAt, stoppedAt, errorMsg sql.NullString
		startup                      sql.NullInt64
		exitCode                     sql.NullInt64
		forced                       int
	)
	err := s.Scan(&run.ID, &run.Name, &run.Executable, &run.Port, &run.PID, &run.Status,
		&startedAt, &readyAt, &stoppedAt, &startup, &exitCode, &forced, &errorMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if readyAt.Valid {
		t, err := parseTime(readyAt.String)
		if err != nil {
			return nil, err
		}
		run.ReadyAt = &t
	}
	if stoppedAt.Valid {
		t, err := parseTime(stoppedAt.String)
		if err != nil {
			return nil, err
		}
		run.StoppedAt = &t
	}
	if startup.Valid {
		run.StartupMS = &startup.Int64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.ForcedKill = forced != 0
	run.Error = errorMsg.String
	return &run, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing run timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
