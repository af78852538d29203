package workflow

import (
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
	"github.com/flowcraft/agentpipe/pipeline/model"
)

// reworkCeiling is the rework/retry ceiling SPEC_FULL §C adopts unchanged
// from the original's route_after_review: retry_count >= 3 forces the run
// to end instead of looping back to development again.
const reworkCeiling = 3

// defaultRetryPolicy mirrors the teacher's per-node policy shape: three
// attempts, exponential backoff with a one-second base.
var defaultRetryPolicy = &pipeline.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
}

func stageSpec(stage pipeline.Stage) pipeline.StageSpec {
	return pipeline.StageSpec{
		Stage:       stage,
		Timeout:     60 * time.Second,
		RetryPolicy: defaultRetryPolicy,
		SideEffect:  pipeline.SideEffectPolicy{Recordable: true},
	}
}

// outcomeOf reads the review stage's outcome field back out of state,
// defaulting to needs_changes if the slot is somehow unfilled (a stage
// with ValidateInput passing guarantees this won't happen in practice).
func outcomeOf(state pipeline.RunState) pipeline.ReviewOutcome {
	out, ok := state.Stages["review"]
	if !ok || !out.Filled {
		return pipeline.ReviewNeedsChanges
	}
	outcome, _ := out.Data["outcome"].(string)
	return pipeline.ReviewOutcome(outcome)
}

func needsRework(state pipeline.RunState) bool {
	return outcomeOf(state) == pipeline.ReviewNeedsChanges
}

func deploymentSucceeded(state pipeline.RunState) bool {
	out, ok := state.Stages["deployment"]
	if !ok || !out.Filled {
		return false
	}
	success, _ := out.Data["success"].(bool)
	return success
}

func testingPassed(state pipeline.RunState) bool {
	out, ok := state.Stages["testing"]
	if !ok || !out.Filled {
		return false
	}
	passed, _ := out.Data["passed"].(bool)
	return passed
}

// BuildMainGraph registers the standard analyze -> plan -> develop -> test
// -> review -> deploy -> monitor pipeline (spec §2) on e, grounded on
// create_main_workflow() (SPEC_FULL §C). Review loops back to development
// on needs_changes up to reworkCeiling times, tracked via run.RetryCount:
// the review router's own predicate increments RetryCount each time it
// takes the rework edge, and refuses the edge once the ceiling is reached
// (per the Open Question 2 resolution), ending the run instead of looping.
func BuildMainGraph(e *pipeline.Engine, run *pipeline.Run, adapter model.Adapter) error {
	stages := []pipeline.Stage{
		NewAnalyzeStage(adapter),
		NewPlanningStage(adapter),
		NewDevelopmentStage("development", adapter),
		NewTestingStage(adapter),
		NewReviewStage(adapter),
		NewDeploymentStage(adapter),
		NewMonitoringStage(adapter),
	}
	for _, s := range stages {
		if err := e.Add(stageSpec(s)); err != nil {
			return err
		}
	}
	if err := e.StartAt("analyze"); err != nil {
		return err
	}

	// route_after_analysis: hotfix task kinds skip planning entirely.
	if err := e.AddRouter(pipeline.Router{
		From: "analyze",
		Edges: []pipeline.Edge{
			{To: "development", When: func(state pipeline.RunState) bool {
				return state.Inputs.TaskKind == pipeline.TaskHotfix
			}},
			{To: "planning"},
		},
	}); err != nil {
		return err
	}

	if err := e.Connect("planning", "development", nil); err != nil {
		return err
	}
	if err := e.Connect("development", "testing", nil); err != nil {
		return err
	}
	if err := e.Connect("testing", "review", nil); err != nil {
		return err
	}

	// route_after_review: approved (+with_comments) proceeds to deployment,
	// needs_changes loops back to development up to reworkCeiling times,
	// anything else (rejected, or rework exhausted) ends the run. The
	// rework edge's predicate is the sole place run.RetryCount is mutated,
	// so it only ever increments once per review→development traversal
	// (the engine's router evaluates edges in order and short-circuits on
	// the first match, and Route is called exactly once per advance()).
	if err := e.AddRouter(pipeline.Router{
		From: "review",
		Edges: []pipeline.Edge{
			{To: "development", When: func(state pipeline.RunState) bool {
				if !needsRework(state) || run.RetryCount >= reworkCeiling {
					return false
				}
				run.RetryCount++
				return true
			}},
			{To: "deployment", When: func(state pipeline.RunState) bool {
				return outcomeOf(state).ProceedsToDeployment()
			}},
			{To: ""},
		},
	}); err != nil {
		return err
	}

	// route_after_deployment: successful deployment proceeds to monitoring.
	if err := e.AddRouter(pipeline.Router{
		From: "deployment",
		Edges: []pipeline.Edge{
			{To: "monitoring", When: deploymentSucceeded},
			{To: ""},
		},
	}); err != nil {
		return err
	}

	return nil
}

// BuildHotfixGraph registers the shortcut analyze -> develop -> test ->
// deploy graph (spec Scenario B), grounded on create_hotfix_workflow()
// (SPEC_FULL §C): planning and review are skipped entirely, and deployment
// only runs when testing reports passed.
func BuildHotfixGraph(e *pipeline.Engine, adapter model.Adapter) error {
	stages := []pipeline.Stage{
		NewAnalyzeStage(adapter),
		NewDevelopmentStage("development", adapter),
		NewTestingStage(adapter),
		NewDeploymentStage(adapter),
	}
	for _, s := range stages {
		if err := e.Add(stageSpec(s)); err != nil {
			return err
		}
	}
	if err := e.StartAt("analyze"); err != nil {
		return err
	}
	if err := e.Connect("analyze", "development", nil); err != nil {
		return err
	}
	if err := e.Connect("development", "testing", nil); err != nil {
		return err
	}
	if err := e.AddRouter(pipeline.Router{
		From: "testing",
		Edges: []pipeline.Edge{
			{To: "deployment", When: testingPassed},
			{To: ""},
		},
	}); err != nil {
		return err
	}
	return nil
}

// parallelDevelopmentBranches names the three fan-out branches of
// create_parallel_development_workflow() (SPEC_FULL §C): task category
// determines which branches actually run, but all three are always
// registered so the engine can route a fan-out to any subset of them.
var parallelDevelopmentBranches = []string{
	"frontend_development",
	"backend_development",
	"infrastructure_development",
}

// BuildParallelDevelopmentBlock registers the three category-specific
// development branches used by a fan-out step (spec §4.3.1, exercised by
// Scenario D) and returns their names in submission order for callers
// constructing a pipeline.FanOut Next. Each branch writes its own output
// slot (e.g. "frontend_development"); a stage downstream of the join reads
// all three slots to build the merged result described by
// merge_development_results (SPEC_FULL §C).
func BuildParallelDevelopmentBlock(e *pipeline.Engine, adapter model.Adapter) ([]string, error) {
	for _, name := range parallelDevelopmentBranches {
		if err := e.Add(stageSpec(NewDevelopmentStage(name, adapter))); err != nil {
			return nil, err
		}
	}
	return append([]string(nil), parallelDevelopmentBranches...), nil
}
