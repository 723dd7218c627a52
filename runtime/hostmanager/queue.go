package hostmanager

import (
	"container/heap"
	"time"

	"github.com/emberml/ember/runtime"
)

// InferRequest is one queued inference request.
type InferRequest struct {
	NetworkName string
	Context     *runtime.ExecutionContext
	Callback    runtime.ResultCB
	Priority    uint64
	RequestID   runtime.RunIdentifier
	StartTime   time.Time
}

// inferQueue is a priority queue of inference requests: higher priority
// first, FIFO (lower request id) among equals.
type inferQueue struct {
	items requestHeap
}

func newInferQueue() *inferQueue {
	return &inferQueue{}
}

func (q *inferQueue) Len() int { return q.items.Len() }

func (q *inferQueue) Push(req *InferRequest) {
	heap.Push(&q.items, req)
}

// Pop removes and returns the highest-priority request. Popping an empty
// queue returns nil.
func (q *inferQueue) Pop() *InferRequest {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*InferRequest)
}

type requestHeap []*InferRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].RequestID < h[j].RequestID
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*InferRequest))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
