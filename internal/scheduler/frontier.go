// Package scheduler implements the DAG-ready-step computation, parameter
// dereferencing, and per-segment execution loop: compute the frontier of
// ready steps, run the batch with bounded parallelism, merge the results
// back into the execution state under OCC.
package scheduler

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// WorkItem is one schedulable step within a ready batch. OrderKey is a
// deterministic sort key derived from (stepID, stepNumber): concurrent
// completion order must never affect the order steps are merged back into
// ExecutionState.StepStates.
type WorkItem struct {
	StepID   string
	OrderKey uint64
	Step     domain.Step
	Attempt  int
}

// ComputeOrderKey hashes stepID concatenated with stepNumber (4-byte
// big-endian) with SHA-256 and returns the first 8 bytes as a uint64.
func ComputeOrderKey(stepID string, stepNumber int) uint64 {
	h := sha256.New()
	h.Write([]byte(stepID))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(stepNumber))
	h.Write(b[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// workHeap is a min-heap over WorkItem.OrderKey.
type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier combines the ordered heap with a bounded buffered channel for
// backpressure.
type Frontier struct {
	heap     workHeap
	queue    chan WorkItem
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier creates a Frontier bounded to capacity items.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(workHeap, 0, capacity),
		queue:    make(chan WorkItem, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds item to the frontier, blocking if the bounded channel is
// full until space frees up or ctx is cancelled.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		old := f.peakQueueDepth.Load()
		if depth <= old || f.peakQueueDepth.CompareAndSwap(old, depth) {
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

// Dequeue blocks until a work item is available or ctx is cancelled,
// returning the item with the smallest OrderKey.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if ctx.Err() != nil {
		return zero, ctx.Err()
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

// Len reports the current queue depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Metrics is a point-in-time snapshot of Frontier activity. It does not
// count in-flight steps.
type Metrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

func (f *Frontier) Metrics() Metrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()
	return Metrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
