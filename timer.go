package loom

import (
	"container/heap"
	"sync"
	"time"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

type timerEntry struct {
	id       TimerID
	deadline time.Time
	seq      uint64 // insertion order, used to break deadline ties (spec O2)
	callback func()
	cancelled bool
	index    int // heap index, maintained by container/heap
}

// timerHeap is a min-heap ordered by deadline, then insertion sequence,
// generalizing other_examples/kahoon-pending's single-timer-per-id debounce
// map into an ordered heap capable of holding many concurrent timers.
// Cancellation sets a tombstone (timerEntry.cancelled); the heap lazily
// discards tombstones on pop, exactly as spec §3/§4.4 specifies.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// clock is the monotonic time source. Timers never use wall-clock time
// (spec §4.4): the deadline is derived from time.Now(), whose monotonic
// reading time.Time carries internally, never wall-clock-adjusted.
type clock struct {
	mu      sync.Mutex
	heap    timerHeap
	byID    map[TimerID]*timerEntry
	nextID  TimerID
	nextSeq uint64
}

func newClock() *clock {
	return &clock{byID: make(map[TimerID]*timerEntry)}
}

// now returns the monotonic clock reading used for all deadline arithmetic.
func (c *clock) now() time.Time { return time.Now() }

// addTimer schedules cb to run after delay, returning its id.
func (c *clock) addTimer(delay time.Duration, cb func()) TimerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.nextSeq++
	e := &timerEntry{
		id:       c.nextID,
		deadline: c.now().Add(delay),
		seq:      c.nextSeq,
		callback: cb,
	}
	heap.Push(&c.heap, e)
	c.byID[e.id] = e
	return e.id
}

// cancelTimer tombstones id if present. The entry is lazily discarded from
// the heap on pop (spec §4.4).
func (c *clock) cancelTimer(id TimerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		e.cancelled = true
		delete(c.byID, id)
	}
}

// popExpired removes and returns every non-tombstoned entry whose deadline
// has passed (deadline <= now), in deadline order with ties broken by
// insertion sequence (spec invariant L2/O2, testable property 6).
func (c *clock) popExpired(now time.Time) []*timerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*timerEntry
	for len(c.heap) > 0 {
		top := c.heap[0]
		if top.cancelled {
			heap.Pop(&c.heap)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&c.heap)
		delete(c.byID, top.id)
		due = append(due, top)
	}
	return due
}

// nextDeadline returns the deadline of the earliest non-tombstoned timer and
// true, or the zero time and false if no timer is armed.
func (c *clock) nextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.heap) > 0 {
		top := c.heap[0]
		if top.cancelled {
			heap.Pop(&c.heap)
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

// count reports the number of non-tombstoned timers currently registered,
// including due ones the timer stage has not yet popped, used by IsIdle.
func (c *clock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// AddTimer registers a callback to run after delay in the loop's timer
// stage, returning an id that CancelTimer can use to tombstone it.
func (l *EventLoop) AddTimer(delay time.Duration, cb func()) TimerID {
	return l.clock.addTimer(delay, func() {
		l.runGuarded("timer callback", cb)
	})
}

// CancelTimer tombstones a previously scheduled timer. Idempotent.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.clock.cancelTimer(id)
}
