package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the production relational Store backend (spec §4.1's
// "relational backend" option): connection-pooled, suitable for multiple
// worker processes sharing one run's checkpoint history.
//
// DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// Never hardcode credentials; read the DSN from AGENTPIPE_CHECKPOINT_DSN
// (pipeline/config).
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a connection-pooled MySQL-backed store and migrates
// its schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(128) PRIMARY KEY,
			graph_name VARCHAR(128) NOT NULL,
			thread_id VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL,
			current_stage VARCHAR(128) NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			run_json JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id VARCHAR(128) PRIMARY KEY,
			run_id VARCHAR(128) NOT NULL,
			step_id INT NOT NULL,
			parent_checkpoint_id VARCHAR(128) NOT NULL DEFAULT '',
			state_json JSON NOT NULL,
			frontier_json JSON NOT NULL,
			rng_seed BIGINT NOT NULL,
			idempotency_key VARCHAR(128) NOT NULL UNIQUE,
			label VARCHAR(128) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX idx_checkpoints_run (run_id, step_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) SaveRun(ctx context.Context, run pipeline.Run) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			current_stage = VALUES(current_stage),
			retry_count = VALUES(retry_count),
			run_json = VALUES(run_json),
			updated_at = VALUES(updated_at)
	`, run.RunID, run.GraphName, run.ThreadID, string(run.Status), run.CurrentStage, run.RetryCount,
		string(runJSON), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *MySQLStore) LoadRun(ctx context.Context, runID string) (pipeline.Run, error) {
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

func (s *MySQLStore) Put(ctx context.Context, cp Checkpoint) error {
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
		ON DUPLICATE KEY UPDATE
			state_json = VALUES(state_json),
			frontier_json = VALUES(frontier_json),
			rng_seed = VALUES(rng_seed),
			label = VALUES(label)
	`, cp.CheckpointID, cp.RunID, cp.StepID, cp.ParentCheckpointID, string(stateJSON), string(frontierJSON),
		cp.RNGSeed, cp.IdempotencyKey, cp.Label, cp.Timestamp)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *MySQLStore) Get(ctx context.Context, checkpointID string) (Checkpoint, error) {
	return s.scanOne(ctx, `WHERE checkpoint_id = ?`, checkpointID)
}

func (s *MySQLStore) LatestForRun(ctx context.Context, runID string) (Checkpoint, error) {
	return s.scanOne(ctx, `WHERE run_id = ? ORDER BY step_id DESC LIMIT 1`, runID)
}

func (s *MySQLStore) scanOne(ctx context.Context, where string, args ...any) (Checkpoint, error) {
	if err := s.guardOpen(); err != nil {
		return Checkpoint{}, err
	}
	query := `SELECT checkpoint_id, run_id, step_id, parent_checkpoint_id, state_json, frontier_json, rng_seed, idempotency_key, label, created_at FROM checkpoints ` + where
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanCheckpointRow(row)
}

func (s *MySQLStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
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

func (s *MySQLStore) Cleanup(ctx context.Context, runID string, keepLast int) error {
	if err := s.guardOpen(); err != nil {
		return err
	}
	if keepLast <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE c FROM checkpoints c
		LEFT JOIN (
			SELECT checkpoint_id FROM checkpoints WHERE run_id = ? ORDER BY step_id DESC LIMIT ?
		) keep ON c.checkpoint_id = keep.checkpoint_id
		WHERE c.run_id = ? AND keep.checkpoint_id IS NULL
	`, runID, keepLast, runID)
	if err != nil {
		return fmt.Errorf("cleanup checkpoints: %w", err)
	}
	return nil
}

func (s *MySQLStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
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

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) guardOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
