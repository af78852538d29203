// Package pipeline implements the multi-stage agent workflow engine: graph
// registration, state reduction, checkpointing, and run execution.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error taxonomy from the system's error design.
// Kinds classify whether the Stage Runtime should retry an error or
// escalate it immediately to the owning run.
type ErrorKind string

const (
	// KindContractBreach means a stage wrote outside its declared output
	// slot, or a reducer detected a conflicting concurrent write. Never retried.
	KindContractBreach ErrorKind = "contract_breach"

	// KindValidation means a stage's input failed validate_input. Never retried.
	KindValidation ErrorKind = "validation_error"

	// KindTokenLimitExceeded means a model response exceeded the allotted
	// token budget. Never retried.
	KindTokenLimitExceeded ErrorKind = "token_limit_exceeded"

	// KindRateLimited means the external model service throttled the call.
	// Retryable, honoring any retry-after hint.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTransportTimeout means a network call did not complete in time.
	// Retryable.
	KindTransportTimeout ErrorKind = "transport_timeout"

	// KindTransportUnavailable means a network call could not connect.
	// Retryable.
	KindTransportUnavailable ErrorKind = "transport_unavailable"

	// KindCheckpointUnavailable means a checkpoint store write failed.
	// Retryable. The engine itself does not raise this kind: a failed
	// RunStore.SaveRun is reported as a "checkpoint_save_failed" event and
	// the run continues.
	KindCheckpointUnavailable ErrorKind = "checkpoint_unavailable"

	// KindCapabilityUnavailable means a capability registry tool call failed
	// to reach its backing process. Retryable, bounded.
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"

	// KindContentError means the model returned output that could not be
	// parsed into the stage's expected structure. Never retried.
	KindContentError ErrorKind = "content_error"

	// KindCancelled means an external cancellation signal was observed.
	// Never retried.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal is an uncategorized error, logged with full context.
	// Never retried.
	KindInternal ErrorKind = "internal_error"
)

// retryableKinds lists kinds the Stage Runtime may retry, subject to the
// node's RetryPolicy (its MaxAttempts and Retryable predicate).
var retryableKinds = map[ErrorKind]bool{
	KindRateLimited:           true,
	KindTransportTimeout:      true,
	KindTransportUnavailable:  true,
	KindCheckpointUnavailable: true,
	KindCapabilityUnavailable: true,
}

// IsRetryable reports whether errors of kind k may be retried by the Stage
// Runtime's bounded-attempt loop.
func (k ErrorKind) IsRetryable() bool {
	return retryableKinds[k]
}

// PipelineError is the structured error type propagated through stage
// execution, reducers, and run-control operations. It carries enough
// context to populate RunState.Errors and a run's error_chain without
// leaking sensitive details (prompts, stack traces) to external callers.
type PipelineError struct {
	// Kind classifies the error for retry and routing decisions.
	Kind ErrorKind

	// StageID names the stage that produced the error. Empty for
	// engine-level or store-level errors with no owning stage.
	StageID string

	// Message is a human-readable, non-sensitive description.
	Message string

	// Cause is the underlying error, if any. Not serialized to external
	// callers; available for internal logging via Unwrap.
	Cause error

	// RetryAfterSeconds, when non-zero, is a server-provided hint (e.g. from an
	// HTTP 429 Retry-After header) honored before the next retry attempt.
	RetryAfterSeconds float64
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("stage %s: %s: %s", e.StageID, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As chains against the underlying cause.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this error's kind permits a retry.
func (e *PipelineError) Retryable() bool {
	return e.Kind.IsRetryable()
}

// NewPipelineError constructs a PipelineError, wrapping cause if provided.
func NewPipelineError(kind ErrorKind, stageID, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, StageID: stageID, Message: message, Cause: cause}
}

// AsPipelineError extracts a *PipelineError from err's chain, if present.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Sentinel engine-level errors, mirroring the teacher's top-level
// ErrXxx sentinel pattern for conditions that are not stage-attributable.
var (
	// ErrMaxStepsExceeded is returned when a run exceeds Options.MaxSteps
	// without reaching a terminal state.
	ErrMaxStepsExceeded = errors.New("pipeline: run exceeded maximum step limit")

	// ErrUnknownStage is returned when a graph references a stage name that
	// was never registered.
	ErrUnknownStage = errors.New("pipeline: unknown stage")

	// ErrNoEntryStage is returned when a graph has no configured entry node.
	ErrNoEntryStage = errors.New("pipeline: graph has no entry stage")

	// ErrAlreadyTerminal is returned when an operation that requires a
	// running or suspended run is invoked on a run already in a terminal
	// status (completed, failed, cancelled).
	ErrAlreadyTerminal = errors.New("pipeline: run is already in a terminal state")

	// ErrNotSuspended is returned when resume is invoked on a run that is
	// not currently suspended.
	ErrNotSuspended = errors.New("pipeline: run is not suspended")

	// ErrReducerConflict is returned when two concurrent branches in a
	// fan-out block attempt to write the same stage-output slot.
	ErrReducerConflict = errors.New("pipeline: two branches wrote the same stage slot")

	// ErrNameCollision is returned when two artifacts in the same run share
	// a name and neither is marked overwritable.
	ErrNameCollision = errors.New("pipeline: artifact name collision")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for a
	// malformed policy (MaxAttempts < 1, or MaxDelay < BaseDelay).
	ErrInvalidRetryPolicy = errors.New("pipeline: invalid retry policy")
)
