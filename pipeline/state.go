package pipeline

import "time"

// RunStatus enumerates the lifecycle states of a Run (spec §3.1).
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status permits no further mutation except an
// explicit resume transitioning back to running.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskKind enumerates the immutable task classification carried in
// RunState.Requirements (spec §3.1).
type TaskKind string

const (
	TaskFeature       TaskKind = "feature"
	TaskBugfix        TaskKind = "bugfix"
	TaskHotfix        TaskKind = "hotfix"
	TaskRefactor      TaskKind = "refactor"
	TaskDocumentation TaskKind = "documentation"
)

// ArtifactKind enumerates the kinds of named blobs a stage may emit.
type ArtifactKind string

const (
	ArtifactCode     ArtifactKind = "code"
	ArtifactDocument ArtifactKind = "document"
	ArtifactConfig   ArtifactKind = "config"
	ArtifactDiagram  ArtifactKind = "diagram"
	ArtifactData     ArtifactKind = "data"
	ArtifactTest     ArtifactKind = "test"
	ArtifactScript   ArtifactKind = "script"
)

// ReviewOutcome collapses the source's `approved`/`approval_status`
// synonyms into one enum, per spec §9's third open question.
type ReviewOutcome string

const (
	ReviewApproved             ReviewOutcome = "approved"
	ReviewApprovedWithComments ReviewOutcome = "approved_with_comments"
	ReviewNeedsChanges         ReviewOutcome = "needs_changes"
	ReviewRejected             ReviewOutcome = "rejected"
)

// ProceedsToDeployment reports whether this outcome's edge in the main
// graph routes to the deployment stage.
func (r ReviewOutcome) ProceedsToDeployment() bool {
	return r == ReviewApproved || r == ReviewApprovedWithComments
}

// Run is the identity and lifecycle record of one workflow execution
// (spec §3.1).
type Run struct {
	RunID        string
	GraphName    string
	ThreadID     string
	Status       RunStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RetryCount   int
	ErrorChain   []*PipelineError
	CurrentStage string   // cleared on completion; kept on suspended, failed and cancelled runs
	NextStages   []string // set of candidate next stages, order-insignificant
}

// Artifact is a named output produced by a stage (spec §3.1).
type Artifact struct {
	Name          string
	Kind          ArtifactKind
	Body          []byte
	Size          int64
	ContentHash   string
	Metadata      map[string]string
	CreatedAt     time.Time
	ProducerStage string
	Overwritable  bool
}

// AgentExecution records one stage attempt: its input snapshot, output,
// duration, token deltas, status, and error (spec §3.2).
type AgentExecution struct {
	StageID    string
	Attempt    int
	StartedAt  time.Time
	Duration   time.Duration
	Outcome    StageOutcome
	TokensIn   int
	TokensOut  int
	Err        *PipelineError
	InputHash  string // content hash of the state snapshot the stage read
}

// TokenUsage tracks cumulative input/output/total token counts.
// Invariant: Total == Input + Output at every observable point.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// Add returns a new TokenUsage with delta's counters added to u's.
func (u TokenUsage) Add(delta TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + delta.Input,
		Output: u.Output + delta.Output,
		Total:  u.Total + delta.Total,
	}
}

// ErrorEntry is one ordered append to RunState.Errors, naming the stage
// and cause without leaking sensitive detail to external callers.
type ErrorEntry struct {
	StageID   string
	Kind      ErrorKind
	Message   string
	Timestamp time.Time
}

// MessageEntry is one ordered, human-readable event in RunState.Messages,
// ordered by (StageCompletionTime, SubOrder) per spec §4.2.
type MessageEntry struct {
	StageID             string
	Content             string
	StageCompletionTime time.Time
	SubOrder            int
}

// StageOutput is the structured record one stage writes to its declared
// output slot. The Go representation keeps the payload as an opaque,
// JSON-serializable map so that stage plugins (out of scope per spec §1)
// can shape their own result schema without the engine needing to know it.
type StageOutput struct {
	Filled bool // true once the stage has written this slot at least once
	Data   map[string]any
}

// Accumulators groups the monotonic, append-only/merge-only fields of
// RunState (spec §3.1 group 3). Accumulators never shrink except by
// garbage collection outside a run's lifetime.
type Accumulators struct {
	Messages       []MessageEntry
	Artifacts      map[string]Artifact // keyed by Name, set union semantics
	TokenUsage     TokenUsage
	Errors         []ErrorEntry
	ExecutionTimeMS int64 // supplemented accumulator: sum of stage durations

	// ChannelVersions is a monotonic version counter per accumulator field,
	// incremented on every merge; checkpoints persist these for replay
	// conflict detection (spec §4.2, §4.1).
	ChannelVersions ChannelVersions
}

// ChannelVersions is the per-accumulator monotonic counter set persisted
// in a Checkpoint for merge-conflict detection across resumes (spec §3.1,
// §4.1). Component-wise comparison (GreaterOrEqual) is the invariant
// checked between a checkpoint and its parent (spec §8 property 2).
type ChannelVersions struct {
	Messages   uint64
	Artifacts  uint64
	TokenUsage uint64
	Errors     uint64
}

// GreaterOrEqual reports whether every component of v is >= the
// corresponding component of parent — the checkpoint-tree invariant.
func (v ChannelVersions) GreaterOrEqual(parent ChannelVersions) bool {
	return v.Messages >= parent.Messages &&
		v.Artifacts >= parent.Artifacts &&
		v.TokenUsage >= parent.TokenUsage &&
		v.Errors >= parent.Errors
}

// RunState is the shared, typed record threaded through every stage of a
// run (spec §3.1). Its three field groups carry different mutation rules,
// enforced by Reduce (reducer.go):
//
//   - Inputs: set once at run creation, never mutated by a delta.
//   - Stages: one slot per stage name, last-writer-wins within an attempt.
//   - Accumulators: monotonic, merge-only.
type RunState struct {
	Inputs       RunInputs
	Stages       map[string]StageOutput // keyed by stage name
	Accumulators Accumulators
}

// RunInputs groups the immutable fields set at run creation (spec §3.1
// group 1).
type RunInputs struct {
	Requirements string
	TaskKind     TaskKind
	Context      map[string]string
	Constraints  []string
}

// NewRunState builds the zero-valued RunState for a freshly created run
// from its immutable inputs.
func NewRunState(inputs RunInputs) RunState {
	return RunState{
		Inputs: inputs,
		Stages: make(map[string]StageOutput),
		Accumulators: Accumulators{
			Artifacts: make(map[string]Artifact),
		},
	}
}

// Progress computes filled-stage-slots / total-stage-slots, the metric
// published with every subscription-hub update event (spec §4.2).
func (s RunState) Progress(totalSlots int) float64 {
	if totalSlots <= 0 {
		return 0
	}
	filled := 0
	for _, out := range s.Stages {
		if out.Filled {
			filled++
		}
	}
	return float64(filled) / float64(totalSlots)
}

// Clone returns a deep-enough copy of s suitable for handing a read-only
// snapshot to a concurrently-executing fan-out branch (spec §4.3.1,
// §5 "stages receive read-only snapshots").
func (s RunState) Clone() RunState {
	out := RunState{
		Inputs: RunInputs{
			Requirements: s.Inputs.Requirements,
			TaskKind:     s.Inputs.TaskKind,
			Context:      cloneStringMap(s.Inputs.Context),
			Constraints:  append([]string(nil), s.Inputs.Constraints...),
		},
		Stages: make(map[string]StageOutput, len(s.Stages)),
		Accumulators: Accumulators{
			Messages:        append([]MessageEntry(nil), s.Accumulators.Messages...),
			Artifacts:       make(map[string]Artifact, len(s.Accumulators.Artifacts)),
			TokenUsage:      s.Accumulators.TokenUsage,
			Errors:          append([]ErrorEntry(nil), s.Accumulators.Errors...),
			ExecutionTimeMS: s.Accumulators.ExecutionTimeMS,
			ChannelVersions: s.Accumulators.ChannelVersions,
		},
	}
	for k, v := range s.Stages {
		out.Stages[k] = StageOutput{Filled: v.Filled, Data: cloneAnyMap(v.Data)}
	}
	for k, v := range s.Accumulators.Artifacts {
		out.Accumulators.Artifacts[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
