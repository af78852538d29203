package store

import (
	"context"
	"sort"
	"sync"

	"github.com/flowcraft/agentpipe/pipeline"
)

// MemoryStore is an ephemeral, process-local Store, used in tests and for
// local development runs that don't need durability across restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]pipeline.Run
	checkpoints map[string]Checkpoint   // keyed by CheckpointID
	byRun       map[string][]string     // runID -> checkpoint IDs, insertion order
	idempotency map[string]string       // key -> CheckpointID
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]pipeline.Run),
		checkpoints: make(map[string]Checkpoint),
		byRun:       make(map[string][]string),
		idempotency: make(map[string]string),
	}
}

func (m *MemoryStore) SaveRun(_ context.Context, run pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func (m *MemoryStore) LoadRun(_ context.Context, runID string) (pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.Run{}, ErrNotFound
	}
	return run, nil
}

func (m *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.IdempotencyKey != "" {
		if existing, ok := m.idempotency[cp.IdempotencyKey]; ok && existing != cp.CheckpointID {
			return ErrIdempotencyConflict
		}
		m.idempotency[cp.IdempotencyKey] = cp.CheckpointID
	}

	if _, exists := m.checkpoints[cp.CheckpointID]; !exists {
		m.byRun[cp.RunID] = append(m.byRun[cp.RunID], cp.CheckpointID)
	}
	m.checkpoints[cp.CheckpointID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, checkpointID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[checkpointID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryStore) LatestForRun(ctx context.Context, runID string) (Checkpoint, error) {
	all, err := m.List(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(all) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return all[len(all)-1], nil
}

func (m *MemoryStore) List(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byRun[runID]
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.checkpoints[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (m *MemoryStore) Cleanup(_ context.Context, runID string, keepLast int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byRun[runID]
	if keepLast <= 0 || len(ids) <= keepLast {
		return nil
	}
	drop := ids[:len(ids)-keepLast]
	for _, id := range drop {
		cp := m.checkpoints[id]
		delete(m.checkpoints, id)
		delete(m.idempotency, cp.IdempotencyKey)
	}
	m.byRun[runID] = ids[len(ids)-keepLast:]
	return nil
}

func (m *MemoryStore) CheckIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.idempotency[key]
	return ok, nil
}

func (m *MemoryStore) Close() error { return nil }
