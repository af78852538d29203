package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable, single-file Store backend for development
// and single-process deployments (spec §4.1's "embedded backend" option).
// It mirrors the teacher's WAL-mode, busy-timeout configuration, adapted
// from generic state to the concrete RunState/Checkpoint shapes.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store at path. Use
// ":memory:" for a transient database confined to this process.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			run_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id INTEGER NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			state_json TEXT NOT NULL,
			frontier_json TEXT NOT NULL,
			rng_seed INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, step_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run pipeline.Run) error {
	if err := s.guardOpen(); err != nil {
		return err
	}

	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, graph_name, thread_id, status, current_stage, retry_count, run_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			retry_count = excluded.retry_count,
			run_json = excluded.run_json,
			updated_at = excluded.updated_at
	`, run.RunID, run.GraphName, run.ThreadID, string(run.Status), run.CurrentStage, run.RetryCount,
		string(runJSON), run.CreatedAt.Format(time.RFC3339Nano), run.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (pipeline.Run, error) {
	if err := s.guardOpen(); err != nil {
		return pipeline.Run{}, err
	}

	var runJSON string
	err := s.db.QueryRowContext(ctx, `SELECT run_json FROM runs WHERE run_id = ?`, runID).Scan(&runJSON)
	if err == sql.ErrNoRows {
		return pipeline.Run{}, ErrNotFound
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("load run: %w", err)
	}

	var run pipeline.Run
	if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
		return pipeline.Run{}, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := s.guardOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	frontierJSON, err := json.Marshal(cp.Frontier)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT checkpoint_id FROM checkpoints WHERE idempotency_key = ?`, cp.IdempotencyKey).Scan(&existing)
	if err == nil && existing != cp.CheckpointID {
		return ErrIdempotencyConflict
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check idempotency: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, step_id, parent_checkpoint_id, state_json, frontier_json, rng_seed, idempotency_key, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			state_json = excluded.state_json,
			frontier_json = excluded.frontier_json,
			rng_seed = excluded.rng_seed,
			label = excluded.label
	`, cp.CheckpointID, cp.RunID, cp.StepID, cp.ParentCheckpointID, string(stateJSON), string(frontierJSON),
		cp.RNGSeed, cp.IdempotencyKey, cp.Label, cp.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, checkpointID string) (Checkpoint, error) {
	return s.scanOne(ctx, `WHERE checkpoint_id = ?`, checkpointID)
}

func (s *SQLiteStore) LatestForRun(ctx context.Context, runID string) (Checkpoint, error) {
	return s.scanOne(ctx, `WHERE run_id = ? ORDER BY step_id DESC LIMIT 1`, runID)
}

func (s *SQLiteStore) scanOne(ctx context.Context, where string, args ...any) (Checkpoint, error) {
	if err := s.guardOpen(); err != nil {
		return Checkpoint{}, err
	}

	query := `SELECT checkpoint_id, run_id, step_id, parent_checkpoint_id, state_json, frontier_json, rng_seed, idempotency_key, label, created_at FROM checkpoints ` + where
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanCheckpointRow(row)
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	if err := s.guardOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, run_id, step_id, parent_checkpoint_id, state_json, frontier_json, rng_seed, idempotency_key, label, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY step_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Cleanup(ctx context.Context, runID string, keepLast int) error {
	if err := s.guardOpen(); err != nil {
		return err
	}
	if keepLast <= 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND checkpoint_id NOT IN (
			SELECT checkpoint_id FROM checkpoints WHERE run_id = ? ORDER BY step_id DESC LIMIT ?
		)
	`, runID, runID, keepLast)
	if err != nil {
		return fmt.Errorf("cleanup checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := s.guardOpen(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE idempotency_key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) guardOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpointRow(row rowScanner) (Checkpoint, error) {
	var (
		cp           Checkpoint
		stateJSON    string
		frontierJSON string
		createdAt    string
	)
	err := row.Scan(&cp.CheckpointID, &cp.RunID, &cp.StepID, &cp.ParentCheckpointID,
		&stateJSON, &frontierJSON, &cp.RNGSeed, &cp.IdempotencyKey, &cp.Label, &createdAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(frontierJSON), &cp.Frontier); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal frontier: %w", err)
	}
	cp.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return cp, nil
}
