package scheduler

import "time"

type entry struct {
	timer  Timer
	handle Handle

	// seq breaks ties between equal due times, lower fires first
	seq uint64

	// index is the position of the entry in the heap, -1 once it has left it
	index int
}

// timerHeap is a container/heap of entries ordered by (due, seq).
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].timer.Due.Equal(h[j].timer.Due) {
		return h[i].seq < h[j].seq
	}

	return h[i].timer.Due.Before(h[j].timer.Due)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]

	return e
}

// peek returns the earliest entry without removing it.
func (h timerHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}

	return h[0]
}

// due reports whether the earliest entry has elapsed at now.
func (h timerHeap) due(now time.Time) bool {
	e := h.peek()
	return e != nil && !e.timer.Due.After(now)
}
