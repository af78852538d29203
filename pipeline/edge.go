package pipeline

// Edge connects two stages in a graph. An edge with a nil When is
// unconditional; otherwise it is only traversed when When(state) is true.
// Explicit routing returned by a Stage's StageResult.Route overrides
// edge-based routing for that step (spec §4.3), matching the teacher's
// graph.Edge precedence rule.
type Edge struct {
	From string
	To   string
	When Predicate
}

// Predicate evaluates run state to decide whether an edge should be
// traversed. Predicates should be pure: deterministic and side-effect free,
// since the engine may evaluate them multiple times during replay. The one
// sanctioned exception is a predicate closing over its own *Run to maintain
// a monotonic counter (e.g. a rework ceiling) — safe only because Router.Route
// short-circuits on the first match and advance() calls it exactly once per
// step, so such a predicate still fires at most once per traversal.
type Predicate func(state RunState) bool

// Router picks the next stage(s) out of several conditional edges sharing
// the same From, in declaration order, returning the first edge whose
// predicate matches. It is the concrete mechanism behind the main graph's
// route_after_analysis / route_after_review / route_after_deployment
// conditional routers (SPEC_FULL §C).
type Router struct {
	From  string
	Edges []Edge
}

// Route evaluates the router's edges in order and returns the first
// matching destination, or ("", false) if none match.
func (r Router) Route(state RunState) (string, bool) {
	for _, e := range r.Edges {
		if e.When == nil || e.When(state) {
			return e.To, true
		}
	}
	return "", false
}
