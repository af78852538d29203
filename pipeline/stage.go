package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// StageOutcome classifies the result of one stage attempt, per the Stage
// Runtime contract (spec §4.4).
type StageOutcome string

const (
	OutcomeOK          StageOutcome = "ok"
	OutcomeNeedsRetry  StageOutcome = "needs_retry"
	OutcomeSuspend     StageOutcome = "suspend"
	OutcomeFatal       StageOutcome = "fatal"
)

// StageResult is what a Stage returns from Execute: a delta to merge into
// RunState (restricted to the stage's declared output slot plus
// accumulators, enforced by the runtime), a routing decision, and an
// outcome classification.
type StageResult struct {
	Delta   RunState
	Route   Next
	Outcome StageOutcome
	Err     *PipelineError
}

// Next mirrors the teacher's graph.Next: the routing decision a stage
// hands back to the engine (spec §4.3).
type Next struct {
	To       string
	Many     []string
	Terminal bool
}

// Stop returns a Next that ends the run successfully.
func Stop() Next { return Next{Terminal: true} }

// Goto returns a Next that routes to a single named stage.
func Goto(stageID string) Next { return Next{To: stageID} }

// FanOut returns a Next that routes to every named stage concurrently.
func FanOut(stageIDs ...string) Next { return Next{Many: stageIDs} }

// StageContext is the read-only execution context handed to a Stage. It
// carries the deterministic per-attempt RNG (seeded from the run ID, per
// the teacher's initRNG pattern), the logger bound to this run/stage, and
// the model/capability dependencies a stage needs without importing the
// engine package.
type StageContext struct {
	RunID   string
	StepID  int
	StageID string
	Attempt int
	RNG     *rand.Rand
	Emit    func(msg string, meta map[string]any)

	// Cost records token usage against the run's CostTracker, if the engine
	// was configured with WithCostTracker. Nil otherwise; stages making
	// model calls should guard with a nil check before calling RecordLLMCall.
	Cost *CostTracker

	// Capabilities is the stage's only route to externally-provided
	// capabilities (file I/O, VCS, shell, search, database queries). Stages
	// MUST NOT resolve capabilities any other way (spec §4.7).
	Capabilities CapabilityCaller
}

// CapabilityCaller is the narrow interface StageContext exposes for the
// Capability Registry (spec §4.7), kept local to avoid pipeline importing
// pipeline/capability; a *capability.Registry satisfies this structurally.
type CapabilityCaller interface {
	Call(ctx context.Context, capabilityName, operation string, params map[string]any) (map[string]any, error)
}

// Stage is one unit of pipeline work: analyze_task, planning, development,
// testing, review, deployment, monitoring, or one of the parallel
// development sub-stages (spec §2, §4.4). Name must be unique within a
// graph and is also the key into RunState.Stages.
type Stage interface {
	Name() string

	// ValidateInput checks that state carries everything this stage needs
	// before Execute runs. A non-nil error is classified KindValidation and
	// is never retried.
	ValidateInput(state RunState) error

	// Execute runs the stage's logic against a read-only state snapshot.
	// Execute must not mutate state; all output flows through the returned
	// StageResult.Delta.
	Execute(ctx context.Context, sctx StageContext, state RunState) StageResult
}

// StageFunc adapts a plain function to the Stage interface for stages with
// no extra fields, mirroring the teacher's NodeFunc adapter.
type StageFunc struct {
	StageName string
	Validate  func(state RunState) error
	Run       func(ctx context.Context, sctx StageContext, state RunState) StageResult
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) ValidateInput(state RunState) error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(state)
}

func (f StageFunc) Execute(ctx context.Context, sctx StageContext, state RunState) StageResult {
	return f.Run(ctx, sctx, state)
}

// StageSpec declares a stage's static policy: timeout, retry bounds, and
// which output slot it is permitted to write (enforced by runtime.go's
// contract check, spec §4.4 "a stage may only write its declared output").
type StageSpec struct {
	Stage        Stage
	OutputSlot   string // defaults to Stage.Name() if empty
	Timeout      time.Duration
	RetryPolicy  *RetryPolicy
	SideEffect   SideEffectPolicy
}

// SideEffectPolicy declares whether a stage's I/O is safe to record and
// replay, mirroring the teacher's graph.SideEffectPolicy.
type SideEffectPolicy struct {
	Recordable          bool
	RequiresIdempotency bool
}
