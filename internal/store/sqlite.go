// Package store persists the worker run ledger.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cdelaunay/simrig/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS worker_runs (
    id           TEXT PRIMARY KEY,
    worker_index INTEGER NOT NULL,
    engine       TEXT NOT NULL,
    scene        TEXT,
    gui          INTEGER NOT NULL,
    pid          INTEGER,
    state        TEXT NOT NULL,
    error        TEXT,
    trace        TEXT,
    created_at   DATETIME NOT NULL,
    ready_at     DATETIME,
    finished_at  DATETIME
)`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create worker_runs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new worker run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_runs (
			id, worker_index, engine, scene, gui, pid,
			state, error, trace, created_at, ready_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkerIndex, run.Engine, run.Scene, run.GUI, run.PID,
		run.State, run.Error, run.Trace, run.CreatedAt, run.ReadyAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run := &model.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, worker_index, engine, scene, gui, pid,
			state, error, trace, created_at, ready_at, finished_at
		FROM worker_runs WHERE id = ?`, id,
	).Scan(
		&run.ID, &run.WorkerIndex, &run.Engine, &run.Scene, &run.GUI, &run.PID,
		&run.State, &run.Error, &run.Trace, &run.CreatedAt, &run.ReadyAt, &run.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM worker_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, worker_index, engine, scene, gui, pid,
			state, error, trace, created_at, ready_at, finished_at
		FROM worker_runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run := &model.Run{}
		if err := rows.Scan(
			&run.ID, &run.WorkerIndex, &run.Engine, &run.Scene, &run.GUI, &run.PID,
			&run.State, &run.Error, &run.Trace, &run.CreatedAt, &run.ReadyAt, &run.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunState updates the state of a run, enforcing the lifecycle
// transition rules. Reaching the ready state also stamps ready_at.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id, state string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM worker_runs WHERE id = ?", id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	if !model.ValidTransition(current, state) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, state)
	}

	var result sql.Result

	if state == model.StateReady {
		result, err = s.db.ExecContext(ctx,
			"UPDATE worker_runs SET state = ?, ready_at = ? WHERE id = ?",
			state, time.Now().UTC(), id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE worker_runs SET state = ? WHERE id = ?",
			state, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return checkAffected(result)
}

// FinishRun records the terminal state of a run together with its error and
// trace, and stamps finished_at.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, state, errMsg, trace string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE worker_runs SET state = ?, error = ?, trace = ?, finished_at = ? WHERE id = ?",
		state, errMsg, trace, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return checkAffected(result)
}

// GetRunStats returns aggregate statistics over all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByState: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM worker_runs GROUP BY state",
	)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
		if state == model.StateFaulted {
			stats.FaultCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
