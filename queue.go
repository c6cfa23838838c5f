package hsm

import (
	"container/heap"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// EventQueue is the pluggable container backing a dispatcher's pending-event
// list (spec §6: "any container supporting empty, front, pop_front,
// push_back"). Implementations need not be safe for concurrent use; the
// dispatcher always accesses the queue under the machine lock.
type EventQueue interface {
	Empty() bool
	PushBack(e Event) error
	PopFront() Event
}

// fifoQueue is the default EventQueue: strict insertion order, backed by
// [orderedmap.OrderedMap] keyed by a monotonically increasing sequence
// number so PopFront is O(1) without shifting a slice.
type fifoQueue struct {
	om   *orderedmap.OrderedMap[uint64, Event]
	next uint64
}

// newFIFOQueue returns the default FIFO event queue.
func newFIFOQueue() *fifoQueue {
	return &fifoQueue{om: orderedmap.New[uint64, Event]()}
}

func (q *fifoQueue) Empty() bool {
	return q.om.Len() == 0
}

func (q *fifoQueue) PushBack(e Event) error {
	q.om.Set(q.next, e)
	q.next++
	return nil
}

func (q *fifoQueue) PopFront() Event {
	oldest := q.om.Oldest()
	e := oldest.Value
	q.om.Delete(oldest.Key)
	return e
}

// PriorityLess, if assigned to a [PriorityQueue], decides delivery order:
// it reports whether a should be dequeued before b.
type PriorityLess func(a, b Event) bool

// priorityHeapItem is one slot in the binary heap backing PriorityQueue.
// seq breaks ties between events the Less function considers equal, so
// PriorityQueue is a stable reordering of FIFO rather than an unstable one.
type priorityHeapItem struct {
	event Event
	seq   uint64
}

type priorityHeap struct {
	items []priorityHeapItem
	less  PriorityLess
}

func (h priorityHeap) Len() int { return len(h.items) }
func (h priorityHeap) Less(i, j int) bool {
	if h.less(h.items[i].event, h.items[j].event) {
		return true
	}
	if h.less(h.items[j].event, h.items[i].event) {
		return false
	}
	return h.items[i].seq < h.items[j].seq
}
func (h priorityHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *priorityHeap) Push(x any)   { h.items = append(h.items, x.(priorityHeapItem)) }
func (h *priorityHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// PriorityQueue is an EventQueue that dequeues in the order decided by a
// user-supplied PriorityLess, demonstrating the pluggable queue-type option
// from spec §6 beyond the default FIFO. It reorders deliveries but never
// drops events.
type PriorityQueue struct {
	heap priorityHeap
	next uint64
}

// NewPriorityQueue returns an EventQueue that dequeues events in the order
// defined by less.
func NewPriorityQueue(less PriorityLess) *PriorityQueue {
	return &PriorityQueue{heap: priorityHeap{less: less}}
}

func (q *PriorityQueue) Empty() bool { return q.heap.Len() == 0 }

func (q *PriorityQueue) PushBack(e Event) error {
	heap.Push(&q.heap, priorityHeapItem{event: e, seq: q.next})
	q.next++
	return nil
}

func (q *PriorityQueue) PopFront() Event {
	return heap.Pop(&q.heap).(priorityHeapItem).event
}
