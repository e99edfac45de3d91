// Min-heap of pending jobs ordered by due instant.
//
//   - peek at the soonest-due job    → O(1)
//   - insert                         → O(log N)
//   - cancel                         → O(log N) via heap.Remove, or lazy
//
// The timer goroutine peeks at the heap root, sleeps until that instant,
// then promotes the job to the ready list. A buffered notify channel lets
// Enqueue interrupt the sleep whenever a newly added job is due sooner than
// the current root.
package delayqueue

import "container/heap"

// item is one entry tracked by the queue's in-memory structures.
// It lives in the timer heap until due, then in the ready list until leased.
type item struct {
	key    string // deterministic per-entity job key
	handle string // enqueue generation ULID
	dueAt  int64  // UTC milliseconds — sort key

	// heapIdx is the item's current position in the heap slice.
	// Maintained by timerHeap.Swap so Cancel can do O(log N) removal.
	// -1 once the item has left the heap.
	heapIdx int

	// ready marks an item that has been promoted to the ready list.
	ready bool

	// cancelled marks an item for lazy deletion. Cancelled items are
	// discarded when encountered instead of leased.
	cancelled bool
}

// timerHeap is a slice of *item satisfying heap.Interface.
// The smallest dueAt sits at index 0.
type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].dueAt < h[j].dueAt
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *timerHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
