package store

import (
	"context"
	"errors"
	"testing"

	"github.com/flowcraft/agentpipe/pipeline"
)

func TestMemoryStore_SaveAndLoadRun(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	run := pipeline.Run{RunID: "run_1", Status: pipeline.StatusRunning}

	if err := m.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	got, err := m.LoadRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	if got.RunID != "run_1" || got.Status != pipeline.StatusRunning {
		t.Errorf("LoadRun() = %+v, want RunID=run_1 Status=running", got)
	}
}

func TestMemoryStore_LoadRun_NotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.LoadRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_Put_IdempotencyConflict(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	cp1 := Checkpoint{RunID: "run_1", CheckpointID: "ckpt_1", IdempotencyKey: "sha256:same"}
	if err := m.Put(ctx, cp1); err != nil {
		t.Fatalf("Put(cp1) error = %v", err)
	}

	cp2 := Checkpoint{RunID: "run_1", CheckpointID: "ckpt_2", IdempotencyKey: "sha256:same"}
	err := m.Put(ctx, cp2)
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("Put(cp2) error = %v, want ErrIdempotencyConflict", err)
	}
}

func TestMemoryStore_Put_SameCheckpointIDIsNotAConflict(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	cp := Checkpoint{RunID: "run_1", CheckpointID: "ckpt_1", IdempotencyKey: "sha256:same", StepID: 0}
	if err := m.Put(ctx, cp); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	cp.StepID = 1 // re-writing the same checkpoint id, e.g. a retried commit
	if err := m.Put(ctx, cp); err != nil {
		t.Errorf("re-Put() with same CheckpointID error = %v, want nil", err)
	}
}

func TestMemoryStore_List_OrderedByStepID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c3", StepID: 2})
	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c1", StepID: 0})
	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c2", StepID: 1})

	all, err := m.List(ctx, "run_1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(all))
	}
	for i, cp := range all {
		if cp.StepID != i {
			t.Errorf("List()[%d].StepID = %d, want %d", i, cp.StepID, i)
		}
	}
}

func TestMemoryStore_LatestForRun(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.LatestForRun(ctx, "run_1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestForRun() on empty run error = %v, want ErrNotFound", err)
	}

	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c1", StepID: 0})
	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c2", StepID: 1})

	latest, err := m.LatestForRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("LatestForRun() error = %v", err)
	}
	if latest.CheckpointID != "c2" {
		t.Errorf("LatestForRun().CheckpointID = %q, want c2", latest.CheckpointID)
	}
}

func TestMemoryStore_Cleanup_KeepsOnlyMostRecent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: string(rune('a' + i)), StepID: i, IdempotencyKey: "key" + string(rune('a'+i))})
	}
	if err := m.Cleanup(ctx, "run_1", 2); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	all, err := m.List(ctx, "run_1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(List()) after Cleanup = %d, want 2", len(all))
	}
	if all[0].StepID != 3 || all[1].StepID != 4 {
		t.Errorf("Cleanup() kept steps %d,%d, want 3,4", all[0].StepID, all[1].StepID)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) after Cleanup error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestMemoryStore_Cleanup_NoOpWhenUnderLimit(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c1", StepID: 0})

	if err := m.Cleanup(ctx, "run_1", 10); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	all, _ := m.List(ctx, "run_1")
	if len(all) != 1 {
		t.Errorf("len(List()) = %d, want 1 (cleanup under limit is a no-op)", len(all))
	}
}

func TestMemoryStore_CheckIdempotency(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ok, err := m.CheckIdempotency(ctx, "sha256:unused")
	if err != nil || ok {
		t.Errorf("CheckIdempotency() before Put = (%v, %v), want (false, nil)", ok, err)
	}

	_ = m.Put(ctx, Checkpoint{RunID: "run_1", CheckpointID: "c1", IdempotencyKey: "sha256:used"})
	ok, err = m.CheckIdempotency(ctx, "sha256:used")
	if err != nil || !ok {
		t.Errorf("CheckIdempotency() after Put = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMemoryStore_Close(t *testing.T) {
	m := NewMemoryStore()
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
