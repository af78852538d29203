package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ComputeIdempotencyKey derives a deterministic key from the run, the step,
// the sorted pending work items, and the state snapshot, so that replaying
// the same step from the same state always produces the same key (spec §8
// property 3: idempotent checkpoint writes). Mirrors the teacher's
// computeIdempotencyKey, adapted from generic WorkItem[S] to the concrete
// WorkItem/RunState pair.
func ComputeIdempotencyKey(runID string, stepID int, frontier []WorkItem, state RunState) (string, error) {
	sorted := make([]WorkItem, len(frontier))
	copy(sorted, frontier)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].OrderKey != sorted[j].OrderKey {
			return sorted[i].OrderKey < sorted[j].OrderKey
		}
		return sorted[i].StageID < sorted[j].StageID
	})

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state for idempotency key: %w", err)
	}
	frontierJSON, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("marshal frontier for idempotency key: %w", err)
	}

	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s:%d:", runID, stepID)
	h.Write(frontierJSON)
	h.Write(stateJSON)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
