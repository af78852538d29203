package hub

import "time"

// EventKind enumerates the Subscription Hub event taxonomy (spec §4.6).
type EventKind string

const (
	EventStateUpdate  EventKind = "state_update"
	EventStageComplete EventKind = "stage_complete"
	EventRunComplete  EventKind = "run_complete"
	EventError        EventKind = "error"

	// eventOverflow is not part of the spec's named kinds; it's the single
	// marker a subscriber receives in place of events dropped because its
	// outbound queue overflowed (spec §4.6 "Delivery").
	eventOverflow EventKind = "overflow"
)

// Event is one state delta fanned out to subscribers of a run.
type Event struct {
	RunID         string
	Kind          EventKind
	Progress      float64
	ChangedFields []string
	Timestamp     time.Time
}
