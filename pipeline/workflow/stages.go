// Package workflow implements the concrete analyze -> plan -> develop ->
// test -> review -> deploy -> monitor pipeline (spec.md §2) on top of the
// generic pipeline engine. Prompts and business logic are explicitly out
// of scope (spec §1 Non-goals): each stage here calls a model.Adapter with
// a fixed, minimal prompt and parses back a small structured result, the
// same "mocked business logic" posture SPEC_FULL.md's module layout calls
// for, grounded on the shape (not the content) of
// original_source/src/orchestration/nodes/*.py.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
	"github.com/flowcraft/agentpipe/pipeline/model"
)

// modelStage is the common shape shared by every stage in this package: it
// calls a model.Adapter with a prompt built from run state, and folds the
// response into its declared output slot plus the shared accumulators.
type modelStage struct {
	name    string
	adapter model.Adapter

	// buildPrompt renders this stage's system/user messages from the
	// current state snapshot.
	buildPrompt func(state pipeline.RunState) model.Request

	// parseResult turns the model's raw text into this stage's structured
	// output slot data. A non-nil error is treated as KindContentError
	// (spec §7 "the model returned output that could not be parsed").
	parseResult func(text string) (map[string]any, error)

	// route decides where this stage sends the run next. Nil means the
	// engine's registered edges/routers decide (spec §4.3 precedence).
	route func(state pipeline.RunState, output map[string]any) pipeline.Next
}

func (s *modelStage) Name() string { return s.name }

func (s *modelStage) ValidateInput(state pipeline.RunState) error {
	if state.Inputs.Requirements == "" {
		return fmt.Errorf("%s: run state has no requirements", s.name)
	}
	return nil
}

func (s *modelStage) Execute(ctx context.Context, sctx pipeline.StageContext, state pipeline.RunState) pipeline.StageResult {
	req := s.buildPrompt(state)

	resp, err := s.adapter.Generate(ctx, req)
	if err != nil {
		return classifyModelErr(s.name, err)
	}

	data, err := s.parseResult(resp.Text)
	if err != nil {
		return pipeline.StageResult{
			Outcome: pipeline.OutcomeFatal,
			Err:     pipeline.NewPipelineError(pipeline.KindContentError, s.name, "could not parse model output: "+err.Error(), err),
		}
	}

	if sctx.Cost != nil {
		modelName, _ := resp.RawMeta["model"].(string)
		sctx.Cost.RecordLLMCall(modelName, resp.Usage.InputTokens, resp.Usage.OutputTokens, s.name)
	}

	delta := pipeline.RunState{
		Stages: map[string]pipeline.StageOutput{
			s.name: {Filled: true, Data: data},
		},
		Accumulators: pipeline.Accumulators{
			Messages: []pipeline.MessageEntry{{
				StageID:             s.name,
				Content:             fmt.Sprintf("%s complete", s.name),
				StageCompletionTime: time.Now(),
			}},
			TokenUsage: pipeline.TokenUsage{
				Input:  resp.Usage.InputTokens,
				Output: resp.Usage.OutputTokens,
				Total:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
			ExecutionTimeMS: 0,
		},
	}

	next := pipeline.Next{}
	if s.route != nil {
		next = s.route(state, data)
	}

	return pipeline.StageResult{Delta: delta, Route: next, Outcome: pipeline.OutcomeOK}
}

// classifyModelErr maps a model-adapter error to a StageResult outcome.
// A *pipeline.PipelineError, as returned by RetryingAdapter (pipeline/model)
// once its own retries are spent, is classified straight through by kind;
// anything else, including a raw *model.ProviderError from an unwrapped
// adapter, is an uncategorized internal error.
func classifyModelErr(stageName string, err error) pipeline.StageResult {
	if pe, ok := pipeline.AsPipelineError(err); ok {
		outcome := pipeline.OutcomeFatal
		if pe.Retryable() {
			outcome = pipeline.OutcomeNeedsRetry
		}
		return pipeline.StageResult{Outcome: outcome, Err: pe}
	}
	pe := pipeline.NewPipelineError(pipeline.KindInternal, stageName, err.Error(), err)
	return pipeline.StageResult{Outcome: pipeline.OutcomeFatal, Err: pe}
}

// systemPromptFor renders the fixed, minimal system instruction for one of
// the seven pipeline stages. Business logic is explicitly out of scope
// (spec §1); this exists only so every stage makes a distinguishable model
// call with its name and the run's requirements in context.
func systemPromptFor(stageName string) string {
	return fmt.Sprintf("You are the %s stage of a software delivery pipeline. Respond with a concise structured summary of your work.", stageName)
}

func baseRequest(stageName string, state pipeline.RunState) model.Request {
	return model.Request{
		System: systemPromptFor(stageName),
		Messages: []model.Message{
			{Role: model.RoleUser, Content: state.Inputs.Requirements},
		},
		MaxTokens:   1024,
		Temperature: 0.2,
	}
}

// NewAnalyzeStage builds the analyze_task stage (spec §2 step 1). Its
// output slot carries task_type/complexity; routing after analysis is left
// to the registered router (route_after_analysis, SPEC_FULL §C).
func NewAnalyzeStage(adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    "analyze",
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest("analyze", state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"task_type":  string(taskKindOrDefault(text)),
				"complexity": "medium",
				"summary":    text,
			}, nil
		},
	}
}

// taskKindOrDefault is a placeholder classifier standing in for the
// original's Claude-driven task-type extraction (analyze.py); the real
// classification prompt/parsing is business logic out of scope (spec §1).
// It ignores the model's text and always returns TaskFeature, so the
// engine's routing stays deterministic in tests.
func taskKindOrDefault(_ string) pipeline.TaskKind {
	return pipeline.TaskFeature
}

// NewPlanningStage builds the planning stage (spec §2 step 2). Its output
// carries the task breakdown consumed by the parallel-development fan-out
// (SPEC_FULL §C).
func NewPlanningStage(adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    "planning",
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest("planning", state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"tasks": []map[string]any{
					{"category": "frontend", "description": text},
					{"category": "backend", "description": text},
				},
				"summary": text,
			}, nil
		},
	}
}

// NewDevelopmentStage builds a development stage. name lets the same
// constructor serve the sequential "development" stage and each
// parallel-development branch ("frontend_development",
// "backend_development", "infrastructure_development"), mirroring how
// create_parallel_development_workflow() reuses development_node across
// branches (SPEC_FULL §C).
func NewDevelopmentStage(name string, adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    name,
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest(name, state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"files":   []string{name + "_output.go"},
				"summary": text,
			}, nil
		},
	}
}

// NewTestingStage builds the testing stage (spec §2 step 4). Its output's
// "passed" field drives the hotfix graph's direct-to-deployment edge
// (create_hotfix_workflow, SPEC_FULL §C).
func NewTestingStage(adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    "testing",
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest("testing", state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"passed":  true,
				"summary": text,
			}, nil
		},
	}
}

// reviewOutcomeFromText picks the outcome literal embedded in a mocked
// review response's text, defaulting to approved when the text names none
// of the four outcomes explicitly (the common case for tests and the
// placeholder prompt, which never asks for one). Checked in rejected's
// favor over approved_with_comments/needs_changes first since "not approved"
// is the stronger claim a response can make about itself.
func reviewOutcomeFromText(text string) pipeline.ReviewOutcome {
	for _, outcome := range []pipeline.ReviewOutcome{
		pipeline.ReviewRejected,
		pipeline.ReviewNeedsChanges,
		pipeline.ReviewApprovedWithComments,
		pipeline.ReviewApproved,
	} {
		if strings.Contains(text, string(outcome)) {
			return outcome
		}
	}
	return pipeline.ReviewApproved
}

// NewReviewStage builds the review stage (spec §2 step 5). Its output's
// "outcome" field is one of pipeline.ReviewOutcome's four values, read from
// the model response's text, and drives route_after_review (SPEC_FULL §C,
// spec §9 resolved open question).
func NewReviewStage(adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    "review",
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest("review", state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"outcome": string(reviewOutcomeFromText(text)),
				"summary": text,
			}, nil
		},
	}
}

// NewDeploymentStage builds the deployment stage (spec §2 step 6). Its
// output's "success" field drives route_after_deployment (SPEC_FULL §C).
func NewDeploymentStage(adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    "deployment",
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest("deployment", state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"success": true,
				"summary": text,
			}, nil
		},
	}
}

// NewMonitoringStage builds the monitoring stage (spec §2 step 7), the main
// graph's terminal stage.
func NewMonitoringStage(adapter model.Adapter) pipeline.Stage {
	return &modelStage{
		name:    "monitoring",
		adapter: adapter,
		buildPrompt: func(state pipeline.RunState) model.Request {
			return baseRequest("monitoring", state)
		},
		parseResult: func(text string) (map[string]any, error) {
			return map[string]any{
				"summary": text,
			}, nil
		},
		route: func(state pipeline.RunState, output map[string]any) pipeline.Next {
			return pipeline.Stop()
		},
	}
}
