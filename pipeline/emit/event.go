package emit

// Event is one observability record emitted during run execution: stage
// start/end, routing decisions, checkpoint operations, and errors (spec
// §A.1). This is the run's logging system, not a side channel to it.
type Event struct {
	RunID   string
	Step    int
	StageID string
	Msg     string
	Meta    map[string]any
}
