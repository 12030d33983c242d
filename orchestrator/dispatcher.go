package orchestrator

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/openfang/openfang/types"
)

// ErrDispatcherClosed is returned by Next after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// queueItem is one pending run in the priority heap.
type queueItem struct {
	runID    string
	priority int
	seq      uint64
	index    int
}

// runHeap orders by priority (higher first), then submission sequence (FIFO
// within equal priority).
type runHeap []*queueItem

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Dispatcher holds the pending-run queue and the concurrency ceiling. A slot
// is acquired before a run is handed out by Next and must be returned with
// ReleaseSlot after the run's terminal state has been committed, so the
// ceiling covers provisioning and running combined.
type Dispatcher struct {
	mu     sync.Mutex
	heap   runHeap
	byID   map[string]*queueItem
	seq    uint64
	max    int
	closed bool

	slots  *semaphore.Weighted
	notify chan struct{}
}

// NewDispatcher creates a dispatcher with the given concurrency ceiling and
// queue bound.
func NewDispatcher(maxConcurrent, maxQueue int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxQueue <= 0 {
		maxQueue = 256
	}
	return &Dispatcher{
		byID:   make(map[string]*queueItem),
		max:    maxQueue,
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
		notify: make(chan struct{}, 1),
	}
}

// Full reports whether the queue is at its backlog bound.
func (d *Dispatcher) Full() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.heap) >= d.max
}

// Len returns the current queue depth.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.heap)
}

// Enqueue admits a run to the queue. Returns a QUEUE_FULL coded error beyond
// the backlog bound.
func (d *Dispatcher) Enqueue(runID string, priority int) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if len(d.heap) >= d.max {
		d.mu.Unlock()
		return types.NewError(types.ErrQueueFull, "run queue is full").
			WithHTTPStatus(429).WithRetryable(true)
	}

	d.seq++
	item := &queueItem{runID: runID, priority: priority, seq: d.seq}
	heap.Push(&d.heap, item)
	d.byID[runID] = item

	select {
	case d.notify <- struct{}{}:
	default:
	}
	d.mu.Unlock()
	return nil
}

// Remove takes a still-queued run out of the queue. Returns false when the
// run is not queued (already dispatched or unknown).
func (d *Dispatcher) Remove(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.byID[runID]
	if !ok {
		return false
	}
	heap.Remove(&d.heap, item.index)
	delete(d.byID, runID)
	return true
}

// Next blocks until a concurrency slot and a queued run are both available,
// then returns the highest-priority run. The slot stays held until
// ReleaseSlot.
func (d *Dispatcher) Next(ctx context.Context) (string, error) {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			d.slots.Release(1)
			return "", ErrDispatcherClosed
		}
		if len(d.heap) > 0 {
			item := heap.Pop(&d.heap).(*queueItem)
			delete(d.byID, item.runID)
			d.mu.Unlock()
			return item.runID, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			d.slots.Release(1)
			return "", ctx.Err()
		case <-d.notify:
		}
	}
}

// ReleaseSlot returns a concurrency slot. Callers must have committed the
// run's terminal state first.
func (d *Dispatcher) ReleaseSlot() {
	d.slots.Release(1)
}

// Close wakes all waiters and rejects further work.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.notify)
}
