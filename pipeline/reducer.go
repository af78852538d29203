package pipeline

import "sort"

// Reduce merges a stage's delta into the accumulated run state, per the
// three mutation rules of spec §3.1/§4.2:
//
//   - Inputs are set once at run creation; Reduce never touches them.
//   - Stages is last-writer-wins per slot: delta only ever carries the
//     slots the producing stage is permitted to write (enforced by
//     runtime.go before Reduce is called).
//   - Accumulators merge monotonically: messages append in
//     (StageCompletionTime, SubOrder) order, errors append in arrival
//     order, artifacts union by name, token usage and execution time add.
//
// Reduce is the single reducer instance for RunState, mirroring the
// teacher's Reducer[S] function value but specialized rather than generic,
// since this engine has exactly one domain state type (spec §1 scope).
func Reduce(prev, delta RunState) RunState {
	next := prev.Clone()

	for name, out := range delta.Stages {
		if !out.Filled {
			continue
		}
		next.Stages[name] = out
	}

	next.Accumulators = mergeAccumulators(next.Accumulators, delta.Accumulators)

	return next
}

// mergeAccumulators implements the monotonic merge rules for the
// Accumulators group (spec §3.1 group 3, §4.2).
func mergeAccumulators(prev, delta Accumulators) Accumulators {
	out := prev

	if len(delta.Messages) > 0 {
		out.Messages = append(append([]MessageEntry(nil), prev.Messages...), delta.Messages...)
		sort.SliceStable(out.Messages, func(i, j int) bool {
			if !out.Messages[i].StageCompletionTime.Equal(out.Messages[j].StageCompletionTime) {
				return out.Messages[i].StageCompletionTime.Before(out.Messages[j].StageCompletionTime)
			}
			return out.Messages[i].SubOrder < out.Messages[j].SubOrder
		})
		out.ChannelVersions.Messages = prev.ChannelVersions.Messages + 1
	}

	if len(delta.Artifacts) > 0 {
		out.Artifacts = make(map[string]Artifact, len(prev.Artifacts)+len(delta.Artifacts))
		for k, v := range prev.Artifacts {
			out.Artifacts[k] = v
		}
		for name, a := range delta.Artifacts {
			if existing, ok := out.Artifacts[name]; ok && !existing.Overwritable && !a.Overwritable {
				// Name collision between two non-overwritable artifacts:
				// RunAttempt (runtime.go) rejects a delta that collides with
				// the state it was given, raising ErrNameCollision. Two
				// fan-out branches adding the same new name are not checked
				// against each other; the reducer keeps the earlier write.
				continue
			}
			out.Artifacts[name] = a
		}
		out.ChannelVersions.Artifacts = prev.ChannelVersions.Artifacts + 1
	}

	if delta.TokenUsage != (TokenUsage{}) {
		out.TokenUsage = prev.TokenUsage.Add(delta.TokenUsage)
		out.ChannelVersions.TokenUsage = prev.ChannelVersions.TokenUsage + 1
	}

	if len(delta.Errors) > 0 {
		out.Errors = append(append([]ErrorEntry(nil), prev.Errors...), delta.Errors...)
		out.ChannelVersions.Errors = prev.ChannelVersions.Errors + 1
	}

	out.ExecutionTimeMS = prev.ExecutionTimeMS + delta.ExecutionTimeMS

	return out
}
