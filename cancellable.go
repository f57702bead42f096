package loom

import "sync"

// CancellablePromise is a Promise plus external-cancellation support (spec
// §3/§4.3). Cancel is idempotent: the first call runs the cancel handler (if
// any), cancels any owned timer, then rejects with ErrCancelled if the
// promise is still pending. Promises derived via ThenCancellable, or linked
// with LinkRoot, reach the originator when cancelled; Then/Catch/Finally
// return plain Promises, which carry no rootCancellable reference and cannot
// be cancelled.
type CancellablePromise[T any] struct {
	*Promise[T]

	mu              sync.Mutex
	cancelled       bool
	cancelHandler   func()
	ownedTimerID    TimerID
	hasOwnedTimerID bool
	rootCancellable *CancellablePromise[T]
}

// NewCancellable creates a pending CancellablePromise bound to loop.
func NewCancellable[T any](loop *EventLoop) *CancellablePromise[T] {
	return &CancellablePromise[T]{Promise: NewPromise[T](loop)}
}

// WithCancelHandler attaches a handler invoked exactly once, the first time
// Cancel is called.
func (c *CancellablePromise[T]) WithCancelHandler(handler func()) *CancellablePromise[T] {
	c.mu.Lock()
	c.cancelHandler = handler
	c.mu.Unlock()
	return c
}

// WithOwnedTimer records a timer id that Cancel will cancel on the owning
// loop's timer heap.
func (c *CancellablePromise[T]) WithOwnedTimer(id TimerID) *CancellablePromise[T] {
	c.mu.Lock()
	c.ownedTimerID = id
	c.hasOwnedTimerID = true
	c.mu.Unlock()
	return c
}

// Cancelled reports whether Cancel has been invoked on this promise (a
// cancelled root is not reflected here).
func (c *CancellablePromise[T]) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Cancel is idempotent (spec invariant I4 / testable property 4): it runs the
// cancel handler and cancels any owned timer exactly once, then rejects with
// ErrCancelled if the promise is still pending. Errors from the cancel
// handler are captured and logged, never propagated through the loop.
func (c *CancellablePromise[T]) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	handler := c.cancelHandler
	timerID := c.ownedTimerID
	hasTimer := c.hasOwnedTimerID
	c.mu.Unlock()

	if handler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.loop.logPanic("cancel handler", r)
				}
			}()
			handler()
		}()
	}
	if hasTimer {
		c.loop.CancelTimer(timerID)
	}
	c.Reject(ErrCancelled)
}

// LinkRoot records the originating cancellable for a derived promise so that
// cancelling the derived promise propagates to the root (spec §4.3).
func (c *CancellablePromise[T]) LinkRoot(root *CancellablePromise[T]) *CancellablePromise[T] {
	c.mu.Lock()
	c.rootCancellable = root
	c.mu.Unlock()
	return c
}

// Root returns the originating cancellable, or c itself if none is linked.
func (c *CancellablePromise[T]) Root() *CancellablePromise[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rootCancellable != nil {
		return c.rootCancellable
	}
	return c
}

// CancelChain cancels c's root cancellable if one is linked and still
// pending, propagating cancellation up the derivation chain (spec §4.3).
func (c *CancellablePromise[T]) CancelChain() {
	c.Root().Cancel()
}

// ThenCancellable is the CancellablePromise analogue of Then: the returned
// promise is linked to p's root so cancelling it reaches the originator.
func ThenCancellable[T, R any](
	p *CancellablePromise[T],
	onFulfilled func(T) (R, error),
	onRejected func(error) (R, error),
) *CancellablePromise[R] {
	inner := Then(p.Promise, onFulfilled, onRejected)
	next := &CancellablePromise[R]{Promise: inner}
	// Cancelling the derived promise cancels p's root, propagating up the
	// derivation chain exactly as spec §4.3 requires.
	next.cancelHandler = func() { p.Root().Cancel() }
	return next
}
