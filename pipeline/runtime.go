package pipeline

import (
	"context"
	"fmt"
	"time"
)

// RunAttempt executes one attempt of a stage under the Stage Runtime
// contract (spec §4.4): validate input, execute with a timeout bound to
// the cancel token, classify the outcome, and enforce that the delta only
// touches the stage's declared output slot plus accumulators.
//
// Backoff-and-retry across attempts is the caller's concern (engine.go's
// step loop); RunAttempt always returns after exactly one Stage.Execute
// call, or none at all if validation fails first.
func RunAttempt(ctx context.Context, spec StageSpec, state RunState, sctx StageContext, defaultTimeout time.Duration) (result StageResult, duration time.Duration) {
	start := time.Now()

	if err := spec.Stage.ValidateInput(state); err != nil {
		pe := NewPipelineError(KindValidation, sctx.StageID, err.Error(), err)
		return StageResult{Outcome: OutcomeFatal, Err: pe}, time.Since(start)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result = runWithRecover(execCtx, spec.Stage, sctx, state)
	duration = time.Since(start)

	if execCtx.Err() != nil && result.Outcome != OutcomeOK {
		result = classifyTimeout(execCtx.Err(), sctx.StageID, sctx.Attempt, spec)
	}

	if result.Outcome == OutcomeOK {
		if breach := checkContract(spec.OutputSlot, result.Delta); breach != nil {
			return StageResult{Outcome: OutcomeFatal, Err: breach}, duration
		}
		for name, a := range result.Delta.Accumulators.Artifacts {
			if existing, ok := state.Accumulators.Artifacts[name]; ok && !existing.Overwritable && !a.Overwritable {
				pe := NewPipelineError(KindContractBreach, sctx.StageID, fmt.Sprintf("artifact %q already exists", name), ErrNameCollision)
				return StageResult{Outcome: OutcomeFatal, Err: pe}, duration
			}
		}
	}

	return result, duration
}

// runWithRecover calls stage.Execute, converting any panic into a fatal
// StageResult instead of propagating it up through the engine's step loop.
// Stages are third-party code (mocked business logic per spec §2); one
// stage panicking must not take down the whole run.
func runWithRecover(ctx context.Context, stage Stage, sctx StageContext, state RunState) (result StageResult) {
	defer func() {
		if r := recover(); r != nil {
			result = StageResult{
				Outcome: OutcomeFatal,
				Err:     NewPipelineError(KindInternal, sctx.StageID, fmt.Sprintf("stage panicked: %v", r), nil),
			}
		}
	}()
	return stage.Execute(ctx, sctx, state)
}

// classifyTimeout converts a context deadline or cancellation into a
// needs_retry or fatal outcome depending on remaining attempts.
func classifyTimeout(ctxErr error, stageID string, attempt int, spec StageSpec) StageResult {
	pe := NewPipelineError(KindTransportTimeout, stageID, "stage execution timed out", ctxErr)
	if spec.RetryPolicy == nil || attempt+1 >= spec.RetryPolicy.MaxAttempts {
		return StageResult{Outcome: OutcomeFatal, Err: pe}
	}
	return StageResult{Outcome: OutcomeNeedsRetry, Err: pe}
}

// checkContract enforces that a successful stage only wrote to its own
// declared output slot. Accumulators are exempt since every stage may
// contribute to messages/artifacts/token_usage/errors/execution_time by
// design (spec §4.4 "delta writes only to the declared output_slot +
// accumulators").
func checkContract(outputSlot string, delta RunState) *PipelineError {
	for slot, output := range delta.Stages {
		if slot == outputSlot {
			continue
		}
		if output.Filled {
			return NewPipelineError(KindContractBreach, outputSlot,
				fmt.Sprintf("stage wrote to undeclared slot %q", slot), nil)
		}
	}
	return nil
}
