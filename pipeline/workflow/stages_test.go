package workflow

import (
	"context"
	"testing"

	"github.com/flowcraft/agentpipe/pipeline"
	"github.com/flowcraft/agentpipe/pipeline/model"
)

func newState(requirements string, kind pipeline.TaskKind) pipeline.RunState {
	return pipeline.NewRunState(pipeline.RunInputs{
		Requirements: requirements,
		TaskKind:     kind,
	})
}

func baseCtx(stageName string) pipeline.StageContext {
	return pipeline.StageContext{
		RunID:   "run_test",
		StageID: stageName,
		Emit:    func(string, map[string]any) {},
	}
}

func TestAnalyzeStage_Success(t *testing.T) {
	adapter := &model.MockAdapter{Responses: []model.Response{
		{Text: "analysis complete", Usage: model.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	stage := NewAnalyzeStage(adapter)
	state := newState("Build a URL shortener", pipeline.TaskFeature)

	if err := stage.ValidateInput(state); err != nil {
		t.Fatalf("ValidateInput failed: %v", err)
	}

	result := stage.Execute(context.Background(), baseCtx("analyze"), state)
	if result.Outcome != pipeline.OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v (err=%v)", result.Outcome, result.Err)
	}
	out, ok := result.Delta.Stages["analyze"]
	if !ok || !out.Filled {
		t.Fatalf("expected analyze slot filled, got %+v", result.Delta.Stages)
	}
	if out.Data["task_type"] != string(pipeline.TaskFeature) {
		t.Errorf("task_type = %v", out.Data["task_type"])
	}
	if result.Delta.Accumulators.TokenUsage.Total != 15 {
		t.Errorf("expected total tokens 15, got %d", result.Delta.Accumulators.TokenUsage.Total)
	}
}

func TestAnalyzeStage_ValidationFailsOnEmptyRequirements(t *testing.T) {
	stage := NewAnalyzeStage(&model.MockAdapter{})
	state := newState("", pipeline.TaskFeature)
	if err := stage.ValidateInput(state); err == nil {
		t.Fatal("expected validation error for empty requirements")
	}
}

func TestDevelopmentStage_NameVariants(t *testing.T) {
	adapter := &model.MockAdapter{Responses: []model.Response{{Text: "done"}}}
	stage := NewDevelopmentStage("frontend_development", adapter)
	if stage.Name() != "frontend_development" {
		t.Errorf("Name() = %q", stage.Name())
	}

	result := stage.Execute(context.Background(), baseCtx("frontend_development"), newState("req", pipeline.TaskFeature))
	if result.Outcome != pipeline.OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v", result.Outcome)
	}
	if _, ok := result.Delta.Stages["frontend_development"]; !ok {
		t.Fatalf("expected frontend_development slot filled")
	}
}

func TestTestingStage_ReportsPassed(t *testing.T) {
	adapter := &model.MockAdapter{Responses: []model.Response{{Text: "all green"}}}
	stage := NewTestingStage(adapter)
	result := stage.Execute(context.Background(), baseCtx("testing"), newState("req", pipeline.TaskHotfix))
	out := result.Delta.Stages["testing"]
	if passed, _ := out.Data["passed"].(bool); !passed {
		t.Errorf("expected passed=true, got %v", out.Data)
	}
}

func TestReviewStage_ReportsApprovedOutcome(t *testing.T) {
	adapter := &model.MockAdapter{Responses: []model.Response{{Text: "looks good"}}}
	stage := NewReviewStage(adapter)
	result := stage.Execute(context.Background(), baseCtx("review"), newState("req", pipeline.TaskFeature))
	out := result.Delta.Stages["review"]
	if out.Data["outcome"] != string(pipeline.ReviewApproved) {
		t.Errorf("outcome = %v", out.Data["outcome"])
	}
}

func TestMonitoringStage_TerminatesRun(t *testing.T) {
	adapter := &model.MockAdapter{Responses: []model.Response{{Text: "monitoring active"}}}
	stage := NewMonitoringStage(adapter)
	result := stage.Execute(context.Background(), baseCtx("monitoring"), newState("req", pipeline.TaskFeature))
	if !result.Route.Terminal {
		t.Errorf("expected monitoring stage to terminate the run, got %+v", result.Route)
	}
}

func TestModelStage_AdapterErrorClassifiesRetryable(t *testing.T) {
	pe := pipeline.NewPipelineError(pipeline.KindRateLimited, "", "throttled", nil)
	adapter := &model.MockAdapter{Err: pe}
	stage := NewAnalyzeStage(adapter)
	result := stage.Execute(context.Background(), baseCtx("analyze"), newState("req", pipeline.TaskFeature))
	if result.Outcome != pipeline.OutcomeNeedsRetry {
		t.Errorf("expected OutcomeNeedsRetry for rate-limited error, got %v", result.Outcome)
	}
}

func TestModelStage_AdapterErrorClassifiesFatal(t *testing.T) {
	pe := pipeline.NewPipelineError(pipeline.KindTokenLimitExceeded, "", "too long", nil)
	adapter := &model.MockAdapter{Err: pe}
	stage := NewAnalyzeStage(adapter)
	result := stage.Execute(context.Background(), baseCtx("analyze"), newState("req", pipeline.TaskFeature))
	if result.Outcome != pipeline.OutcomeFatal {
		t.Errorf("expected OutcomeFatal for token-limit error, got %v", result.Outcome)
	}
}
