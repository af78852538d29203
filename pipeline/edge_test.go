package pipeline

import "testing"

func TestRouter_Route_FirstMatchWins(t *testing.T) {
	r := Router{
		From: "review",
		Edges: []Edge{
			{To: "development", When: func(state RunState) bool { return false }},
			{To: "deployment", When: func(state RunState) bool { return true }},
			{To: "terminal", When: func(state RunState) bool { return true }},
		},
	}
	to, ok := r.Route(RunState{})
	if !ok || to != "deployment" {
		t.Fatalf("Route() = (%q, %v), want (\"deployment\", true)", to, ok)
	}
}

func TestRouter_Route_NilPredicateIsUnconditional(t *testing.T) {
	r := Router{From: "deployment", Edges: []Edge{{To: "monitoring", When: nil}}}
	to, ok := r.Route(RunState{})
	if !ok || to != "monitoring" {
		t.Fatalf("Route() = (%q, %v), want (\"monitoring\", true)", to, ok)
	}
}

func TestRouter_Route_NoMatch(t *testing.T) {
	r := Router{
		From:  "analyze",
		Edges: []Edge{{To: "development", When: func(state RunState) bool { return false }}},
	}
	_, ok := r.Route(RunState{})
	if ok {
		t.Fatal("expected no match when every predicate is false")
	}
}
