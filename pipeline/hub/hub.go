// Package hub implements the Subscription Hub (spec §4.6): fan-out of
// per-run state deltas to live subscribers, with best-effort delivery and
// per-subscriber overflow handling.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/agentpipe/pipeline/emit"
)

// DefaultOverflowBound is the default bound on a subscriber's outbound
// queue before the oldest events are dropped (spec §4.6).
const DefaultOverflowBound = 256

// NewSubscriberID mints a fresh subscriber identifier.
func NewSubscriberID() string {
	return "sub_" + uuid.NewString()
}

// Handle is returned by Connect: the subscriber's outbound event stream.
type Handle struct {
	SubscriberID string
	Events       <-chan Event
}

type subscriber struct {
	id   string
	out  chan Event
	runs map[string]bool

	mu              sync.Mutex
	overflowPending bool
}

// Hub implements connect/subscribe/unsubscribe/publish/disconnect. It
// satisfies pipeline.Publisher structurally (see pipeline/engine.go's local
// Publisher interface) so the engine can call Publish without importing
// this package.
type Hub struct {
	mu            sync.RWMutex
	subscribers   map[string]*subscriber
	runIndex      map[string]map[string]bool // runID -> set of subscriberIDs
	overflowBound int
	emitter       emit.Emitter
}

// New constructs a Hub. overflowBound <= 0 uses DefaultOverflowBound.
func New(overflowBound int, emitter emit.Emitter) *Hub {
	if overflowBound <= 0 {
		overflowBound = DefaultOverflowBound
	}
	return &Hub{
		subscribers:   make(map[string]*subscriber),
		runIndex:      make(map[string]map[string]bool),
		overflowBound: overflowBound,
		emitter:       emitter,
	}
}

// Connect registers a new subscriber and returns its handle. The returned
// Events channel is closed by Disconnect.
func (h *Hub) Connect() Handle {
	s := &subscriber{
		id:   NewSubscriberID(),
		out:  make(chan Event, h.overflowBound),
		runs: make(map[string]bool),
	}

	h.mu.Lock()
	h.subscribers[s.id] = s
	h.mu.Unlock()

	return Handle{SubscriberID: s.id, Events: s.out}
}

// Subscribe associates subscriberID with runID; events published for that
// run are delivered to the subscriber from this point on.
func (h *Hub) Subscribe(subscriberID, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	s.runs[runID] = true

	set, ok := h.runIndex[runID]
	if !ok {
		set = make(map[string]bool)
		h.runIndex[runID] = set
	}
	set[subscriberID] = true
}

// Unsubscribe removes the association between subscriberID and runID.
// Idempotent.
func (h *Hub) Unsubscribe(subscriberID, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subscribers[subscriberID]; ok {
		delete(s.runs, runID)
	}
	if set, ok := h.runIndex[runID]; ok {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(h.runIndex, runID)
		}
	}
}

// Disconnect removes subscriberID entirely and closes its event channel.
// Idempotent.
func (h *Hub) Disconnect(subscriberID string) {
	h.mu.Lock()
	s, ok := h.subscribers[subscriberID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, subscriberID)
	for runID := range s.runs {
		if set, ok := h.runIndex[runID]; ok {
			delete(set, subscriberID)
			if len(set) == 0 {
				delete(h.runIndex, runID)
			}
		}
	}
	h.mu.Unlock()

	close(s.out)
}

// Publish satisfies the engine's local Publisher interface
// (Publish(runID, kind, progress, changedFields)), called after every
// checkpoint (spec §4.3 step 5). Events for a single run are delivered to
// each subscriber in publish order; across runs, no ordering is guaranteed
// (spec §4.6 "Ordering").
func (h *Hub) Publish(runID string, kind string, progress float64, changedFields []string) {
	event := Event{
		RunID:         runID,
		Kind:          EventKind(kind),
		Progress:      progress,
		ChangedFields: changedFields,
		Timestamp:     time.Now(),
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.runIndex[runID]))
	for subID := range h.runIndex[runID] {
		if s, ok := h.subscribers[subID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		deliver(s, event)
	}

	if h.emitter != nil {
		h.emitter.Emit(emit.Event{RunID: runID, Msg: "hub_publish", Meta: map[string]any{"kind": kind, "subscribers": len(targets)}})
	}
}

// deliver sends event to s's outbound queue, dropping the oldest queued
// event and substituting a single overflow marker when the queue is full
// (spec §4.6 "Delivery"). overflowPending only clears once a send lands
// while the queue has genuinely drained to at most half its bound: a bare
// eviction frees exactly one slot, which the very next publish's direct
// send would otherwise refill to capacity and mistake for recovery,
// re-entering the marker path every other call throughout one continuous
// overflow episode instead of emitting exactly one marker for it. When the
// oldest queued event is the episode's own overflow marker, it is put back
// at the tail rather than evicted, and the new event is dropped. The
// per-subscriber mutex, not the channel alone, serializes concurrent
// publishes from different runs so a drop-then-push pair is never
// interleaved with another goroutine's send.
func deliver(s *subscriber, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.out <- event:
		if s.overflowPending && len(s.out) <= cap(s.out)/2 {
			s.overflowPending = false
		}
		return
	default:
	}

	select {
	case old := <-s.out:
		if old.Kind == eventOverflow {
			s.out <- old
			return
		}
	default:
	}

	if !s.overflowPending {
		s.overflowPending = true
		select {
		case s.out <- Event{RunID: event.RunID, Kind: eventOverflow, Timestamp: event.Timestamp}:
		default:
		}
	}
}
