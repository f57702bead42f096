package loom

import "sync"

// workQueue is a FIFO callback queue with a non-blocking wakeup signal, the
// same shape as the teacher's dispatch channel but generalized into a plain
// mutex-guarded slice, modeled on other_examples/grafana-k6's EventLoop
// (queue []func() error guarded by a mutex, paired with a buffered wakeup
// channel so producers never block on a sleeping consumer).
type workQueue struct {
	mu     sync.Mutex
	items  []func()
	wakeup chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{wakeup: make(chan struct{}, 1)}
}

// push appends cb to the tail of the queue and signals any sleeper.
func (q *workQueue) push(cb func()) {
	q.mu.Lock()
	q.items = append(q.items, cb)
	q.mu.Unlock()
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// drain atomically removes and returns every queued callback in FIFO order.
func (q *workQueue) drain() []func() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// len reports the number of callbacks currently queued.
func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// scheduleMicrotask enqueues cb on the loop's next-tick queue. Every
// continuation registered on a Promise goes through here, so handler
// scheduling is always asynchronous, never synchronous (spec invariants
// I2/I3, ordering guarantee O1).
func (l *EventLoop) scheduleMicrotask(cb func()) {
	l.nextTick.push(cb)
}

// ScheduleDeferred enqueues cb to run after the current work batch but
// before the loop's next sleep (spec §4.1 step 3, ordering guarantee L3 — a
// single tick never starves deferreds indefinitely).
func (l *EventLoop) ScheduleDeferred(cb func()) {
	l.deferred.push(cb)
}

// drainNextTick runs every queued micro-task to completion, including any
// micro-tasks scheduled by micro-tasks that ran earlier in the same drain
// (spec invariant L1: next-tick always drains completely before any other
// class of work).
func (l *EventLoop) drainNextTick() int {
	ran := 0
	for {
		batch := l.nextTick.drain()
		if len(batch) == 0 {
			return ran
		}
		for _, cb := range batch {
			l.runGuarded("next-tick callback", cb)
			ran++
		}
	}
}

// drainDeferredOnce runs exactly the deferred callbacks queued at the moment
// of the call, not ones added while running (mirrors the timer/ready-queue
// batch semantics: one batch per tick, never starved, never unbounded).
func (l *EventLoop) drainDeferredOnce() int {
	batch := l.deferred.drain()
	for _, cb := range batch {
		l.runGuarded("deferred callback", cb)
	}
	return len(batch)
}
