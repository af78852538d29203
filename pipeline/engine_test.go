package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowcraft/agentpipe/pipeline/emit"
)

// memRunStore is an in-package RunStore for these tests: pipeline/store
// imports this package, so its MemoryStore cannot be used here.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

func (m *memRunStore) SaveRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func okStage(name string, nextDelta RunState, route Next) Stage {
	return StageFunc{
		StageName: name,
		Run: func(ctx context.Context, sctx StageContext, state RunState) StageResult {
			return StageResult{Outcome: OutcomeOK, Delta: nextDelta, Route: route}
		},
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(&memRunStore{runs: make(map[string]Run)}, emit.NewNullEmitter(), nil, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestEngine_Run_LinearTwoStageCompletion(t *testing.T) {
	e := newTestEngine(t)

	analyze := okStage("analyze",
		RunState{Stages: map[string]StageOutput{"analyze": {Filled: true, Data: map[string]any{"ok": true}}}},
		Goto("planning"))
	planning := okStage("planning",
		RunState{Stages: map[string]StageOutput{"planning": {Filled: true}}},
		Stop())

	if err := e.Add(StageSpec{Stage: analyze, OutputSlot: "analyze"}); err != nil {
		t.Fatalf("Add(analyze) error = %v", err)
	}
	if err := e.Add(StageSpec{Stage: planning, OutputSlot: "planning"}); err != nil {
		t.Fatalf("Add(planning) error = %v", err)
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	run := &Run{RunID: NewRunID(), CreatedAt: time.Now()}
	final, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("Status = %v, want StatusCompleted", run.Status)
	}
	if !final.Stages["analyze"].Filled || !final.Stages["planning"].Filled {
		t.Errorf("expected both slots filled, got %+v", final.Stages)
	}
}

func TestEngine_Run_UnknownEntryStage(t *testing.T) {
	e := newTestEngine(t)
	run := &Run{RunID: NewRunID()}
	_, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err != ErrNoEntryStage {
		t.Errorf("err = %v, want ErrNoEntryStage", err)
	}
}

func TestEngine_Run_FatalStageFailsRun(t *testing.T) {
	e := newTestEngine(t)
	failing := StageFunc{
		StageName: "analyze",
		Run: func(ctx context.Context, sctx StageContext, state RunState) StageResult {
			return StageResult{Outcome: OutcomeFatal, Err: NewPipelineError(KindContentError, "analyze", "bad output", nil)}
		},
	}
	if err := e.Add(StageSpec{Stage: failing, OutputSlot: "analyze"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	run := &Run{RunID: NewRunID()}
	_, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err == nil {
		t.Fatal("expected an error from a fatal stage")
	}
	if run.Status != StatusFailed {
		t.Errorf("Status = %v, want StatusFailed", run.Status)
	}
	if len(run.ErrorChain) != 1 {
		t.Errorf("expected 1 entry in ErrorChain, got %d", len(run.ErrorChain))
	}
}

func TestEngine_Run_RetriesThenSucceeds(t *testing.T) {
	e := newTestEngine(t)
	attempts := 0
	flaky := StageFunc{
		StageName: "analyze",
		Run: func(ctx context.Context, sctx StageContext, state RunState) StageResult {
			attempts++
			if attempts < 2 {
				return StageResult{Outcome: OutcomeNeedsRetry, Err: NewPipelineError(KindTransportTimeout, "analyze", "timed out", nil)}
			}
			return StageResult{
				Outcome: OutcomeOK,
				Delta:   RunState{Stages: map[string]StageOutput{"analyze": {Filled: true}}},
				Route:   Stop(),
			}
		},
	}
	spec := StageSpec{
		Stage:       flaky,
		OutputSlot:  "analyze",
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	if err := e.Add(spec); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	run := &Run{RunID: NewRunID()}
	_, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if run.Status != StatusCompleted {
		t.Errorf("Status = %v, want StatusCompleted", run.Status)
	}
}

func TestEngine_Run_SuspendThenResume(t *testing.T) {
	e := newTestEngine(t)
	suspended := false
	stage := StageFunc{
		StageName: "review",
		Run: func(ctx context.Context, sctx StageContext, state RunState) StageResult {
			if !suspended {
				suspended = true
				return StageResult{Outcome: OutcomeSuspend}
			}
			return StageResult{
				Outcome: OutcomeOK,
				Delta:   RunState{Stages: map[string]StageOutput{"review": {Filled: true}}},
				Route:   Stop(),
			}
		},
	}
	if err := e.Add(StageSpec{Stage: stage, OutputSlot: "review"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := e.StartAt("review"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	run := &Run{RunID: NewRunID()}
	state := NewRunState(RunInputs{Requirements: "req"})
	state, err := e.Run(context.Background(), run, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusSuspended {
		t.Fatalf("Status = %v, want StatusSuspended", run.Status)
	}

	final, err := e.Resume(context.Background(), run, state, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("Status after resume = %v, want StatusCompleted", run.Status)
	}
	if !final.Stages["review"].Filled {
		t.Error("expected review slot filled after resume")
	}
}

func TestEngine_Resume_NoOpOnTerminalRun(t *testing.T) {
	e := newTestEngine(t)
	run := &Run{RunID: NewRunID(), Status: StatusCompleted}
	state := NewRunState(RunInputs{Requirements: "req"})
	state.Stages["analyze"] = StageOutput{Filled: true, Data: map[string]any{"k": "v"}}

	got, err := e.Resume(context.Background(), run, state, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Stages["analyze"].Data["k"] != "v" {
		t.Error("expected Resume on a terminal run to return state unchanged")
	}
	if run.Status != StatusCompleted {
		t.Errorf("Status = %v, want unchanged StatusCompleted", run.Status)
	}
}

func TestEngine_Resume_ErrorsWhenNotSuspended(t *testing.T) {
	e := newTestEngine(t)
	run := &Run{RunID: NewRunID(), Status: StatusRunning}
	_, err := e.Resume(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}), nil)
	if err != ErrNotSuspended {
		t.Errorf("err = %v, want ErrNotSuspended", err)
	}
}

func TestEngine_Run_Cancellation(t *testing.T) {
	e := newTestEngine(t)
	blocking := StageFunc{
		StageName: "analyze",
		Run: func(ctx context.Context, sctx StageContext, state RunState) StageResult {
			<-ctx.Done()
			return StageResult{Outcome: OutcomeFatal}
		},
	}
	if err := e.Add(StageSpec{Stage: blocking, OutputSlot: "analyze", Timeout: time.Hour}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	run := &Run{RunID: NewRunID()}
	_, err := e.Run(ctx, run, NewRunState(RunInputs{Requirements: "req"}))
	if err == nil {
		t.Fatal("expected an error from a cancelled run")
	}
}

func TestEngine_FanOut_MergesBranchesAndRoutesAfterJoin(t *testing.T) {
	e := newTestEngine(t)
	entry := okStage("analyze", RunState{Stages: map[string]StageOutput{"analyze": {Filled: true}}},
		FanOut("frontend", "backend"))
	frontend := okStage("frontend", RunState{Stages: map[string]StageOutput{"frontend": {Filled: true}}}, Next{})
	backend := okStage("backend", RunState{Stages: map[string]StageOutput{"backend": {Filled: true}}}, Next{})

	for _, spec := range []StageSpec{
		{Stage: entry, OutputSlot: "analyze"},
		{Stage: frontend, OutputSlot: "frontend"},
		{Stage: backend, OutputSlot: "backend"},
	} {
		if err := e.Add(spec); err != nil {
			t.Fatalf("Add(%s) error = %v", spec.Stage.Name(), err)
		}
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}
	if err := e.Connect("analyze", "", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	run := &Run{RunID: NewRunID()}
	final, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !final.Stages["frontend"].Filled || !final.Stages["backend"].Filled {
		t.Errorf("expected both branch slots filled after fan-out join, got %+v", final.Stages)
	}
	if run.Status != StatusCompleted {
		t.Errorf("Status = %v, want StatusCompleted", run.Status)
	}
}

func TestEngine_FanOut_FatalBranchFailsTheJoin(t *testing.T) {
	e := newTestEngine(t)
	entry := okStage("analyze", RunState{Stages: map[string]StageOutput{"analyze": {Filled: true}}},
		FanOut("frontend", "backend"))
	frontend := okStage("frontend", RunState{Stages: map[string]StageOutput{"frontend": {Filled: true}}}, Next{})
	backend := StageFunc{
		StageName: "backend",
		Run: func(ctx context.Context, sctx StageContext, state RunState) StageResult {
			return StageResult{Outcome: OutcomeFatal, Err: NewPipelineError(KindContentError, "backend", "bad output", nil)}
		},
	}

	for _, spec := range []StageSpec{
		{Stage: entry, OutputSlot: "analyze"},
		{Stage: frontend, OutputSlot: "frontend"},
		{Stage: backend, OutputSlot: "backend"},
	} {
		if err := e.Add(spec); err != nil {
			t.Fatalf("Add(%s) error = %v", spec.Stage.Name(), err)
		}
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	run := &Run{RunID: NewRunID()}
	state, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err == nil {
		t.Fatal("expected an error when one fan-out branch is fatal")
	}
	if run.Status != StatusFailed {
		t.Errorf("Status = %v, want StatusFailed", run.Status)
	}

	if len(state.Accumulators.Errors) != 1 {
		t.Fatalf("Accumulators.Errors = %+v, want exactly one entry", state.Accumulators.Errors)
	}
	if got := state.Accumulators.Errors[0].StageID; got != "backend" {
		t.Errorf("Errors[0].StageID = %q, want %q", got, "backend")
	}
	if len(run.ErrorChain) != 1 {
		t.Fatalf("ErrorChain = %+v, want exactly one entry", run.ErrorChain)
	}
}

func TestEngine_Run_MaxStepsExceeded(t *testing.T) {
	e := newTestEngine(t, WithMaxSteps(1))
	looping := okStage("analyze", RunState{}, Goto("analyze"))
	if err := e.Add(StageSpec{Stage: looping, OutputSlot: "analyze"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := e.StartAt("analyze"); err != nil {
		t.Fatalf("StartAt() error = %v", err)
	}

	run := &Run{RunID: NewRunID()}
	_, err := e.Run(context.Background(), run, NewRunState(RunInputs{Requirements: "req"}))
	if err != ErrMaxStepsExceeded {
		t.Errorf("err = %v, want ErrMaxStepsExceeded", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("Status = %v, want StatusFailed", run.Status)
	}
}
