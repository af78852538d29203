// Package store provides durable and ephemeral backends for the Checkpoint
// Store (spec §4.1): parent-pointer checkpoint DAGs, idempotency-key
// dedup, and listing/cleanup of a run's checkpoint history. Multiple
// backends share one interface so a run can move between an in-memory
// store (tests, local dev) and a relational store (production) without
// the engine changing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
)

// ErrNotFound is returned when a requested run or checkpoint does not exist.
// An unknown idempotency key is reported by CheckIdempotency as (false, nil).
var ErrNotFound = errors.New("store: not found")

// ErrIdempotencyConflict is returned by Put when checkpoint.IdempotencyKey
// already exists for a different checkpoint, per spec §4.1's dedup rule.
var ErrIdempotencyConflict = errors.New("store: idempotency key already committed")

// Checkpoint is a durable execution snapshot: the accumulated RunState,
// the pending frontier work items, the deterministic RNG seed, and a
// parent pointer forming the checkpoint DAG described in spec §4.1 and
// §8 property 2 (child.ChannelVersions >= parent.ChannelVersions).
type Checkpoint struct {
	RunID              string
	StepID             int
	State              pipeline.RunState
	Frontier           []pipeline.WorkItem
	RNGSeed            int64
	IdempotencyKey     string
	ParentCheckpointID string
	CheckpointID       string
	Timestamp          time.Time
	Label              string
}

// RunRecord is the identity/lifecycle row persisted alongside checkpoints,
// mirroring spec §3.1's Run entity.
type RunRecord struct {
	Run          pipeline.Run
	LatestStepID int
}

// Store persists run records and checkpoints, and answers the Checkpoint
// Store operations named in spec §4.1: put, get, list, cleanup.
type Store interface {
	// SaveRun upserts a run's identity/lifecycle row.
	SaveRun(ctx context.Context, run pipeline.Run) error

	// LoadRun retrieves a run by ID. Returns ErrNotFound if absent.
	LoadRun(ctx context.Context, runID string) (pipeline.Run, error)

	// Put persists a new checkpoint. If checkpoint.IdempotencyKey was
	// already committed for a different CheckpointID, Put returns
	// ErrIdempotencyConflict without writing (spec §4.1 dedup).
	Put(ctx context.Context, cp Checkpoint) error

	// Get retrieves a single checkpoint by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, checkpointID string) (Checkpoint, error)

	// LatestForRun retrieves the most recently committed checkpoint for a
	// run, the one execution resumes from. Returns ErrNotFound if the run
	// has no checkpoints yet.
	LatestForRun(ctx context.Context, runID string) (Checkpoint, error)

	// List returns every checkpoint for a run in StepID order, the full
	// parent-pointer history (spec §4.1: "both backends return the full
	// list" — there is no partial/paged contract here).
	List(ctx context.Context, runID string) ([]Checkpoint, error)

	// Cleanup deletes checkpoints for runID older than keepLast most-recent
	// steps, bounding storage growth for long-lived or looping runs.
	Cleanup(ctx context.Context, runID string, keepLast int) error

	// CheckIdempotency reports whether key has already been committed.
	CheckIdempotency(ctx context.Context, key string) (bool, error)

	// Close releases any resources (file handles, connection pools) held
	// by the backend.
	Close() error
}
