package loom

import (
	"context"
	"fmt"
)

// taskHandle is the scheduler's per-Task bookkeeping. Exactly one taskHandle
// goroutine is ever actively executing user code at a time (spec §5,
// "single-threaded cooperative"): the loop hands off control by starting the
// task's goroutine (first turn) or waking it on its resume channel (later
// turns), then blocks receiving on the handle's turn channel until the
// goroutine suspends again or finishes, which it signals by sending on that
// channel. This is the
// goroutines+channels construct spec §9 Design Notes explicitly permits in
// place of stackful/stackless coroutines.
type taskHandle struct {
	id      any
	turn    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// Context is passed to every task body. It carries the stdlib
// context.Context used for cancellation of suspension-point primitives
// (read/write/connect/file ops) and a back-reference used by Await to
// identify and suspend the current task.
type Context struct {
	std  context.Context
	task *taskHandle
	loop *EventLoop
}

// Std returns the stdlib context.Context associated with this task, scoped
// to the task's lifetime and the owning loop's Stop.
func (c *Context) Std() context.Context { return c.std }

// Loop returns the event loop driving this task.
func (c *Context) Loop() *EventLoop { return c.loop }

// InTask reports whether tc is a valid task context (non-nil and bound to a
// live task). A nil *Context (e.g. one passed by mistake from outside a
// task) is never "in task".
func InTask(tc *Context) bool { return tc != nil && tc.task != nil }

// pushReadyTask enqueues a turn-taking closure onto the loop's ready-task
// queue for the task-processing stage of a tick (spec §4.1 step 2, position
// 5 of the fixed processing order).
func (l *EventLoop) pushReadyTask(run func()) {
	l.tasksReady.push(run)
}

// Async wraps fn into a task factory: each call to the returned function
// creates a new Task bound to a fresh CancellablePromise[R] and enqueues it
// ready (spec §4.2). fn receives a *Context valid only for the duration of
// the task's execution.
func Async[R any](loop *EventLoop, fn func(tc *Context) (R, error)) func() *CancellablePromise[R] {
	return func() *CancellablePromise[R] {
		result := NewCancellable[R](loop)

		taskCtx, cancel := context.WithCancel(loop.baseContext())
		th := &taskHandle{turn: make(chan struct{}), ctx: taskCtx, cancel: cancel}
		tc := &Context{std: taskCtx, task: th, loop: loop}

		result.WithCancelHandler(cancel)

		loop.liveTasks.Add(1)
		loop.metrics.tasksStarted.Add(1)
		body := func() {
			defer cancel()
			defer loop.liveTasks.Add(-1)
			defer loop.metrics.tasksSettled.Add(1)
			defer func() {
				if r := recover(); r != nil {
					result.Reject(fmt.Errorf("%s: task panicked: %v", Namespace, r))
				}
			}()
			r, err := fn(tc)
			if err != nil {
				result.Reject(err)
				return
			}
			result.Resolve(r)
		}

		// First turn: spawn the goroutine, then wait for it to either
		// suspend (Await) or finish before the loop advances to the next
		// ready task (ordering guarantees O1/O3). liveTasks stays elevated
		// for the task's whole lifetime, including while it is suspended
		// between turns, so IsIdle (loop.go) never mistakes a task parked on
		// an untracked Promise for a fully idle loop.
		loop.pushReadyTask(func() {
			go func() {
				body()
				th.turn <- struct{}{}
			}()
			<-th.turn
		})

		return result
	}
}

// Await suspends the current task if p is pending: it stores the task's
// continuation, attaches on-fulfil/on-reject callbacks to p, and relinquishes
// control to the loop. On resumption, the fulfilled value is returned, or the
// rejection reason is returned as err (spec §4.2). Calling Await outside a
// task context returns ErrNotInTaskContext.
func Await[T any](tc *Context, p *Promise[T]) (T, error) {
	var zero T
	if !InTask(tc) {
		return zero, ErrNotInTaskContext
	}

	if p.State() != Pending {
		// Still settled exactly once (I1); no suspension needed, but the
		// value must still have flowed through a micro-task at settlement
		// time per I2/I3 — reading it directly here is safe since no
		// further state change can occur.
		p.mu.Lock()
		state, v, err := p.state, p.value, p.reason
		p.mu.Unlock()
		if state == Fulfilled {
			return v, nil
		}
		return zero, err
	}

	var (
		resumeVal T
		resumeErr error
	)
	resume := make(chan struct{}, 1)

	p.onSettleFulfilled(func(v T) {
		resumeVal = v
		tc.loop.pushReadyTask(func() {
			resume <- struct{}{}
			<-tc.task.turn
		})
	})
	p.onSettleRejected(func(err error) {
		resumeErr = err
		tc.loop.pushReadyTask(func() {
			resume <- struct{}{}
			<-tc.task.turn
		})
	})

	// Hand control back to the loop: this task is suspended.
	tc.task.turn <- struct{}{}
	<-resume

	return resumeVal, resumeErr
}

// AwaitCancellable is Await for a CancellablePromise.
func AwaitCancellable[T any](tc *Context, p *CancellablePromise[T]) (T, error) {
	return Await(tc, p.Promise)
}

// TryAsync wraps a task body so that a thrown error (panic) settles the
// result promise as a rejection instead of propagating into the loop (spec
// §4.2). Tasks created via Async already recover panics; TryAsync is useful
// for composing a body that is reused outside of Async as well (e.g. inside
// Asyncify).
func TryAsync[R any](fn func(tc *Context) (R, error)) func(tc *Context) (R, error) {
	return func(tc *Context) (r R, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%s: task panicked: %v", Namespace, rec)
			}
		}()
		return fn(tc)
	}
}

// Asyncify lifts a synchronous callable into a task body. The call runs
// inline on the task's own guard goroutine — never on the loop goroutine
// itself — but the loop waits for the task's turn to end while it runs, so a
// long call delays the loop like any other task code. No dedicated
// worker-thread pool is used.
func Asyncify[R any](fn func() R) func(tc *Context) (R, error) {
	return TryAsync(func(_ *Context) (R, error) { return fn(), nil })
}

// AsyncifyErr is Asyncify for synchronous callables that can fail.
func AsyncifyErr[R any](fn func() (R, error)) func(tc *Context) (R, error) {
	return TryAsync(func(_ *Context) (R, error) { return fn() })
}
