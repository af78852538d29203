package pipeline

import "github.com/google/uuid"

// NewRunID mints a fresh run identifier. Runs are addressed by this ID
// across the Checkpoint Store, the Subscription Hub, and the CLI (spec §2).
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewThreadID mints a thread identifier grouping related runs, e.g. retries
// of the same task sharing conversation history (spec §2).
func NewThreadID() string {
	return "thread_" + uuid.NewString()
}

// NewCheckpointID mints a checkpoint identifier. Checkpoints are addressed
// independently of their run so a parent-pointer DAG (spec §8 property 2)
// can reference checkpoints across runs during replay.
func NewCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}
