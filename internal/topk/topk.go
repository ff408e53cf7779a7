// Package topk provides bounded partial selection of the k highest-scoring
// items, with deterministic ordering: score descending, then id ascending.
package topk

import "container/heap"

// Item is a scored candidate.
type Item struct {
	ID    uint32
	Score float32
}

// Selector keeps the k best items seen so far in O(log k) per offer.
type Selector struct {
	k     int
	items minHeap
}

// New creates a Selector for the k best items. k must be positive.
func New(k int) *Selector {
	return &Selector{k: k, items: make(minHeap, 0, k)}
}

// Offer considers a candidate for the result set.
func (s *Selector) Offer(id uint32, score float32) {
	if len(s.items) < s.k {
		heap.Push(&s.items, Item{ID: id, Score: score})
		return
	}
	if worse(Item{ID: id, Score: score}, s.items[0]) {
		return
	}
	s.items[0] = Item{ID: id, Score: score}
	heap.Fix(&s.items, 0)
}

// Len returns the number of items currently held.
func (s *Selector) Len() int { return len(s.items) }

// Results drains the selector and returns the items ordered best first:
// score descending, ties broken by ascending id. The selector must not be
// reused afterwards.
func (s *Selector) Results() []Item {
	out := make([]Item, len(s.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&s.items).(Item)
	}
	return out
}

// worse reports whether a ranks strictly below b.
// Higher score ranks first; on equal scores the lower id ranks first.
func worse(a, b Item) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// minHeap keeps the worst of the retained items at the root so it can be
// evicted first.
type minHeap []Item

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Item)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
