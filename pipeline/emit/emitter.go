// Package emit provides pluggable observability backends for the engine.
// There is no separate logging framework: a run's Emitter IS its logger
// (spec §A.1).
package emit

import "context"

// Emitter receives observability events from run execution. Implementations
// must be non-blocking and safe for concurrent use, since stages in a
// fan-out branch may emit concurrently.
type Emitter interface {
	// Emit sends one event. Must not panic or block the caller meaningfully.
	Emit(event Event)

	// EmitBatch sends several events in declaration order, amortizing
	// per-event overhead for high-volume emitters.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been sent, or ctx expires.
	Flush(ctx context.Context) error
}
