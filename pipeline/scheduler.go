package pipeline

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// WorkItem is a schedulable unit in the execution frontier: one stage
// invocation plus the state snapshot and provenance it needs to run
// deterministically regardless of goroutine completion order (spec §5,
// §4.3.1).
type WorkItem struct {
	StepID       int      `json:"step_id"`
	OrderKey     uint64   `json:"order_key"`
	StageID      string   `json:"stage_id"`
	State        RunState `json:"state"`
	Attempt      int      `json:"attempt"`
	ParentStage  string   `json:"parent_stage"`
	EdgeIndex    int      `json:"edge_index"`
}

// ComputeOrderKey derives a deterministic frontier priority from the
// parent stage and the index of the edge that produced this work item, so
// that concurrent fan-out branches always dequeue in the same order on
// replay (spec §8 property 1, determinism).
func ComputeOrderKey(parentStageID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentStageID))
	edgeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(edgeBytes, uint32(edgeIndex))
	h.Write(edgeBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)         { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Frontier is the bounded, deterministically-ordered work queue driving
// concurrent stage execution (spec §5 "bounded queue with backpressure").
// It pairs a min-heap (ordering by OrderKey) with a buffered channel
// (bounding memory and providing backpressure), matching the teacher's
// graph.Frontier design exactly.
type Frontier struct {
	heap     workHeap
	queue    chan WorkItem
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth      atomic.Int32
}

// NewFrontier constructs a Frontier bounded to capacity work items.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(workHeap, 0),
		queue:    make(chan WorkItem, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds item to the frontier, blocking (backpressure) if the queue
// is at capacity until ctx is cancelled or space frees up.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a work item is available (chosen by smallest
// OrderKey) or ctx is cancelled.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len reports the current frontier depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of frontier throughput and
// saturation, returned by Frontier.Metrics. The engine does not read it or
// publish it to PrometheusMetrics.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's current counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
