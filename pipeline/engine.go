package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcraft/agentpipe/pipeline/emit"
)

// RunStore is the subset of the Checkpoint Store (pipeline/store.Store)
// that the engine depends on directly: persisting the Run record after
// every step. It is declared here, rather than importing pipeline/store
// directly, because that package imports pipeline for RunState/Run and a
// reverse import would cycle; pipeline/store's concrete backends
// (MemoryStore, SQLiteStore, MySQLStore) satisfy this interface
// structurally with no wiring required on their part.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
}

// EngineError is returned for engine-level failures not attributable to a
// single stage attempt (graph misconfiguration, step/budget exhaustion),
// mirroring the teacher's EngineError.
type EngineError struct {
	Code    string
	Message string
	RunID   string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("engine: run %s: %s: %s", e.RunID, e.Code, e.Message)
	}
	return fmt.Sprintf("engine: %s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// initRNG seeds a deterministic RNG from runID so replayed runs observe the
// same sequence of jittered backoffs (spec §8 property 1, determinism).
// Mirrors the teacher's initRNG exactly.
func initRNG(runID string) *rand.Rand {
	sum := sha256.Sum256([]byte(runID))
	seed := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seeding, not security
	return rand.New(rand.NewSource(seed))           // #nosec G404 -- deterministic RNG for replay
}

// Engine executes registered graphs of Stages against RunState, applying
// the execution loop of spec §4.3: load-or-create, hand off to the Stage
// Runtime, reduce, checkpoint, publish, route, retry, or terminate.
type Engine struct {
	mu sync.RWMutex

	stages     map[string]StageSpec
	edges      []Edge
	routers    map[string]Router
	startStage string
	totalSlots int

	store   RunStore
	emitter emit.Emitter
	hub     Publisher

	metrics      *PrometheusMetrics
	costTracker  *CostTracker
	capabilities CapabilityCaller
	opts         Options
}

// Publisher is the subset of the Subscription Hub the engine depends on:
// publishing one event per checkpoint (spec §4.3 step 5). Defined here
// rather than imported from pipeline/hub to avoid a cyclic package
// dependency (hub depends on pipeline for RunState).
type Publisher interface {
	Publish(runID string, kind string, progress float64, changedFields []string)
}

// New constructs an Engine bound to a checkpoint store and an emitter. hub
// may be nil, in which case publish events are skipped.
func New(st RunStore, emitter emit.Emitter, hub Publisher, opts ...Option) (*Engine, error) {
	resolved, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		stages:      make(map[string]StageSpec),
		routers:     make(map[string]Router),
		store:       st,
		emitter:     emitter,
		hub:         hub,
		metrics:      resolved.Metrics,
		costTracker:  resolved.CostTracker,
		capabilities: resolved.Capabilities,
		opts:         resolved,
	}, nil
}

// Add registers a stage's static spec. OutputSlot defaults to the stage's
// own name. Add must be called before Run; graphs are immutable once a run
// starts (spec §4.3 "graph registration").
func (e *Engine) Add(spec StageSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := spec.Stage.Name()
	if name == "" {
		return &EngineError{Code: "INVALID_STAGE", Message: "stage name must not be empty"}
	}
	if spec.OutputSlot == "" {
		spec.OutputSlot = name
	}
	if err := spec.RetryPolicy.Validate(); err != nil {
		return err
	}
	e.stages[name] = spec
	e.totalSlots = len(e.stages)
	return nil
}

// StartAt designates the graph's entry stage.
func (e *Engine) StartAt(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stages[name]; !ok {
		return ErrUnknownStage
	}
	e.startStage = name
	return nil
}

// Connect adds an unconditional or predicated edge from → to.
func (e *Engine) Connect(from, to string, when Predicate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stages[to]; !ok && to != "" {
		return ErrUnknownStage
	}
	e.edges = append(e.edges, Edge{From: from, To: to, When: when})
	return nil
}

// AddRouter registers a multi-edge conditional router, the concrete
// mechanism behind route_after_analysis / route_after_review /
// route_after_deployment (SPEC_FULL §C).
func (e *Engine) AddRouter(router Router) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers[router.From] = router
	return nil
}

// Run executes run starting from its entry stage (or CurrentStage, for a
// run resuming mid-flight) against initial state, driving the execution
// loop of spec §4.3 to completion, suspension, failure, or cancellation.
func (e *Engine) Run(ctx context.Context, run *Run, state RunState) (RunState, error) {
	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	current := run.CurrentStage
	if current == "" {
		e.mu.RLock()
		current = e.startStage
		e.mu.RUnlock()
	}
	if current == "" {
		return state, ErrNoEntryStage
	}

	run.Status = StatusRunning
	rng := initRNG(run.RunID)
	stepID := 0

	for {
		if err := ctx.Err(); err != nil {
			run.Status = StatusCancelled
			run.UpdatedAt = time.Now()
			e.checkpoint(ctx, run, state, nil, "cancelled")
			return state, err
		}
		if e.opts.MaxSteps > 0 && stepID >= e.opts.MaxSteps {
			run.Status = StatusFailed
			return state, ErrMaxStepsExceeded
		}

		e.mu.RLock()
		spec, ok := e.stages[current]
		e.mu.RUnlock()
		if !ok {
			run.Status = StatusFailed
			return state, ErrUnknownStage
		}

		run.CurrentStage = current
		result, attempts, duration := e.runWithRetry(ctx, spec, state, run, rng, stepID)
		stepID++

		if e.metrics != nil {
			status := string(result.Outcome)
			e.metrics.RecordStepLatency(run.RunID, current, duration, status)
			if attempts > 1 {
				e.metrics.IncrementRetries(run.RunID, current, status)
			}
		}

		if ctx.Err() != nil && result.Outcome != OutcomeOK {
			run.Status = StatusCancelled
			run.UpdatedAt = time.Now()
			e.checkpoint(ctx, run, state, nil, "cancelled")
			return state, ctx.Err()
		}

		switch result.Outcome {
		case OutcomeFatal:
			run.Status = StatusFailed
			if result.Err != nil {
				run.ErrorChain = append(run.ErrorChain, result.Err)
				state = appendRunError(state, result.Err)
			}
			run.UpdatedAt = time.Now()
			e.checkpoint(ctx, run, state, nil, "error")
			return state, result.Err

		case OutcomeSuspend:
			run.Status = StatusSuspended
			run.UpdatedAt = time.Now()
			e.checkpoint(ctx, run, state, nil, "state_update")
			return state, nil

		case OutcomeOK:
			state = Reduce(state, result.Delta)
			run.UpdatedAt = time.Now()
			e.checkpoint(ctx, run, state, []string{spec.OutputSlot}, "stage_complete")

			next, terminal, err := e.advance(ctx, run, current, result.Route, state, rng, stepID)
			if err != nil {
				if ctx.Err() != nil {
					run.Status = StatusCancelled
					run.UpdatedAt = time.Now()
					e.checkpoint(ctx, run, state, nil, "cancelled")
					return state, ctx.Err()
				}
				run.Status = StatusFailed
				pe, ok := AsPipelineError(err)
				if !ok {
					pe = NewPipelineError(KindInternal, current, err.Error(), err)
				}
				run.ErrorChain = append(run.ErrorChain, pe)
				state = appendRunError(state, pe)
				e.checkpoint(ctx, run, state, nil, "error")
				return state, err
			}
			if terminal {
				run.Status = StatusCompleted
				run.CurrentStage = ""
				run.UpdatedAt = time.Now()
				e.checkpoint(ctx, run, state, nil, "run_complete")
				return state, nil
			}
			current = next

		default:
			run.Status = StatusFailed
			return state, &EngineError{Code: "UNEXPECTED_OUTCOME", Message: string(result.Outcome), RunID: run.RunID}
		}
	}
}

// Resume transitions a suspended run back to running, merging update (if
// non-nil) into state, then re-invokes the stage it was suspended at.
// Resume is idempotent: calling it on an already-terminal run is a no-op
// that returns the run's last known state (spec §4.3.2).
func (e *Engine) Resume(ctx context.Context, run *Run, state RunState, update *RunState) (RunState, error) {
	if run.Status.IsTerminal() {
		return state, nil
	}
	if run.Status != StatusSuspended {
		return state, ErrNotSuspended
	}
	if update != nil {
		state = Reduce(state, *update)
	}
	return e.Run(ctx, run, state)
}

// runWithRetry drives the Stage Runtime's bounded-attempt loop (spec §4.4
// "retry policy: exponential backoff with full jitter"), sleeping between
// attempts and respecting ctx cancellation.
func (e *Engine) runWithRetry(ctx context.Context, spec StageSpec, state RunState, run *Run, rng *rand.Rand, stepID int) (StageResult, int, time.Duration) {
	maxAttempts := 1
	if spec.RetryPolicy != nil {
		maxAttempts = spec.RetryPolicy.MaxAttempts
	}

	var result StageResult
	var totalDuration time.Duration
	attempt := 0

	for attempt = 0; attempt < maxAttempts; attempt++ {
		sctx := StageContext{
			RunID:   run.RunID,
			StepID:  stepID,
			StageID: spec.Stage.Name(),
			Attempt: attempt,
			RNG:     rng,
			Cost:    e.costTracker,
			Capabilities: e.capabilities,
			Emit: func(msg string, meta map[string]any) {
				e.emitter.Emit(emit.Event{RunID: run.RunID, Step: stepID, StageID: spec.Stage.Name(), Msg: msg, Meta: meta})
			},
		}

		var duration time.Duration
		result, duration = RunAttempt(ctx, spec, state, sctx, e.opts.DefaultStageTimeout)
		totalDuration += duration

		if result.Outcome != OutcomeNeedsRetry {
			return result, attempt + 1, totalDuration
		}
		if spec.RetryPolicy != nil && result.Err != nil && !spec.RetryPolicy.shouldRetry(result.Err) {
			result.Outcome = OutcomeFatal
			return result, attempt + 1, totalDuration
		}
		if attempt+1 >= maxAttempts {
			result.Outcome = OutcomeFatal
			return result, attempt + 1, totalDuration
		}

		base := time.Second
		maxDelay := 30 * time.Second
		if spec.RetryPolicy != nil {
			if spec.RetryPolicy.BaseDelay > 0 {
				base = spec.RetryPolicy.BaseDelay
			}
			if spec.RetryPolicy.MaxDelay > 0 {
				maxDelay = spec.RetryPolicy.MaxDelay
			}
		}
		delay := computeBackoff(attempt, base, maxDelay, rng)
		select {
		case <-ctx.Done():
			result.Outcome = OutcomeFatal
			return result, attempt + 1, totalDuration
		case <-time.After(delay):
		}
	}
	return result, attempt, totalDuration
}

// advance resolves the next stage after a successful step, implementing
// spec §4.3 step 6: explicit routing from the stage's own StageResult takes
// precedence, then registered edges/routers, then termination.
func (e *Engine) advance(ctx context.Context, run *Run, from string, route Next, state RunState, rng *rand.Rand, stepID int) (next string, terminal bool, err error) {
	if route.Terminal {
		return "", true, nil
	}
	if len(route.Many) > 0 {
		return e.fanOut(ctx, run, from, route.Many, state, rng, stepID)
	}
	if route.To != "" {
		return route.To, false, nil
	}

	e.mu.RLock()
	router, hasRouter := e.routers[from]
	e.mu.RUnlock()
	if hasRouter {
		if to, matched := router.Route(state); matched {
			return to, false, nil
		}
		return "", true, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			if edge.To == "" {
				return "", true, nil
			}
			return edge.To, false, nil
		}
	}
	return "", true, nil
}

// fanOut schedules each named branch stage through a Frontier (spec §5
// "bounded queue with backpressure"), bounded by Options.MaxConcurrentStages
// workers, then joins the results with one reducer pass per spec §4.3.1.
// Submission order follows each branch's deterministic OrderKey so replay
// observes the same scheduling priority regardless of goroutine completion
// timing. A fatal branch fatals the whole join; routing after the join
// continues from edges registered against the origin stage name, matching
// how route_after_review-style routers key on the stage that issued the
// fan-out.
func (e *Engine) fanOut(ctx context.Context, run *Run, origin string, branches []string, snapshot RunState, rng *rand.Rand, stepID int) (next string, terminal bool, err error) {
	frontier := NewFrontier(len(branches))
	specs := make(map[string]StageSpec, len(branches))
	for i, branchName := range branches {
		e.mu.RLock()
		spec, ok := e.stages[branchName]
		e.mu.RUnlock()
		if !ok {
			return "", false, ErrUnknownStage
		}
		specs[branchName] = spec
		if enqueueErr := frontier.Enqueue(ctx, WorkItem{
			StepID:      stepID,
			OrderKey:    ComputeOrderKey(origin, i),
			StageID:     branchName,
			State:       snapshot.Clone(),
			ParentStage: origin,
			EdgeIndex:   i,
		}); enqueueErr != nil {
			return "", false, enqueueErr
		}
	}

	workers := max(1, e.opts.MaxConcurrentStages)
	if workers > len(branches) {
		workers = len(branches)
	}
	results := make(chan StageResult, len(branches))
	var remaining atomic.Int64
	remaining.Store(int64(len(branches)))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for remaining.Add(-1) >= 0 {
				item, dequeueErr := frontier.Dequeue(ctx)
				if dequeueErr != nil {
					return
				}
				result, _, _ := e.runWithRetry(ctx, specs[item.StageID], item.State, run, rng, stepID)
				results <- result
			}
		}()
	}
	wg.Wait()
	close(results)

	if e.metrics != nil {
		e.metrics.UpdateQueueDepth(0)
	}

	collected := make([]StageResult, 0, len(branches))
	for result := range results {
		collected = append(collected, result)
		if result.Outcome == OutcomeFatal {
			return "", false, result.Err
		}
	}

	merged := snapshot
	seen := make(map[string]bool, len(branches))
	for _, result := range collected {
		for slot, out := range result.Delta.Stages {
			if out.Filled && seen[slot] {
				if e.metrics != nil {
					e.metrics.IncrementMergeConflicts(run.RunID, slot)
				}
				return "", false, ErrReducerConflict
			}
			seen[slot] = true
		}
		merged = Reduce(merged, result.Delta)
	}

	e.checkpoint(ctx, run, merged, branches, "stage_complete")

	e.mu.RLock()
	router, hasRouter := e.routers[origin]
	e.mu.RUnlock()
	if hasRouter {
		if to, matched := router.Route(merged); matched {
			return to, false, nil
		}
		return "", true, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges {
		if edge.From != origin {
			continue
		}
		if edge.When == nil || edge.When(merged) {
			if edge.To == "" {
				return "", true, nil
			}
			return edge.To, false, nil
		}
	}
	return "", true, nil
}

// appendRunError records pe on state.Accumulators.Errors, per spec §7's
// requirement that non-retryable errors are recorded in RunState.errors
// (not just the run's error_chain) before the engine returns.
func appendRunError(state RunState, pe *PipelineError) RunState {
	state.Accumulators.Errors = append(state.Accumulators.Errors, ErrorEntry{
		StageID:   pe.StageID,
		Kind:      pe.Kind,
		Message:   pe.Message,
		Timestamp: time.Now(),
	})
	state.Accumulators.ChannelVersions.Errors++
	return state
}

// checkpoint saves the Run record through RunStore.SaveRun and, when a hub
// is configured, publishes the corresponding event (spec §4.3 steps 4-5).
// No Checkpoint snapshot of the RunState is written here. A failed save
// emits a "checkpoint_save_failed" event and the run continues; failures
// are not counted and never end the run.
func (e *Engine) checkpoint(ctx context.Context, run *Run, state RunState, changedFields []string, eventKind string) {
	if e.store != nil {
		if err := e.store.SaveRun(ctx, *run); err != nil {
			e.emitter.Emit(emit.Event{RunID: run.RunID, StageID: run.CurrentStage, Msg: "checkpoint_save_failed", Meta: map[string]any{"error": err.Error()}})
		}
	}
	if e.hub != nil {
		e.hub.Publish(run.RunID, eventKind, state.Progress(e.totalSlots), changedFields)
	}
}
