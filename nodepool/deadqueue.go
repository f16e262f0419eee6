package nodepool

import (
	"container/heap"
	"time"

	"github.com/pquentin/elastic-transport-go/node"
)

// deadEntry is one (due_time, failure_count, node) tuple in the dead
// priority queue (§3). index is maintained by container/heap so an entry
// can be removed in O(log n) when it's resurrected mid-heap, per the §9
// design note ("a binary heap plus an in_dead_set lookup to avoid O(n)
// removals").
type deadEntry struct {
	dueTime  time.Time
	failures int
	hash     string
	node     node.Node
	index    int
}

// deadHeap orders entries by dueTime ascending (§3).
type deadHeap []*deadEntry

func (h deadHeap) Len() int { return len(h) }
func (h deadHeap) Less(i, j int) bool {
	return h[i].dueTime.Before(h[j].dueTime)
}
func (h deadHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadHeap) Push(x any) {
	e := x.(*deadEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peek returns the entry with the smallest due_time without removing it,
// or nil if the heap is empty.
func (h deadHeap) peek() *deadEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// remove deletes e from the heap in O(log n) using its tracked index.
func (h *deadHeap) remove(e *deadEntry) {
	if e.index < 0 || e.index >= len(*h) {
		return
	}
	heap.Remove(h, e.index)
}
