package pool

import (
	"context"

	"github.com/ygrebnov/loom"
)

// Transaction is a user callback given exclusive use of a leased resource.
// A nil error means the transaction succeeded; any error is a failure. The
// leased resource is released back to the pool in either case.
type Transaction[T, R any] func(ctx context.Context, res T) (R, error)

// RaceTransactions starts n concurrent transactions, each holding a
// distinct pooled connection: the first to fulfil wins, every other
// in-flight transaction is cancelled and its connection released back to
// the pool, and on overall failure every connection is released too (spec
// §4.8 Racing transactions). No connection is ever leaked, regardless of
// outcome.
func RaceTransactions[T, R any](loop *loom.EventLoop, p *Pool[T], ctx context.Context, n int, txn Transaction[T, R]) *loom.CancellablePromise[R] {
	result := loom.NewCancellable[R](loop)

	callables := make([]loom.Callable[R], n)
	leaseCtx, cancel := context.WithCancel(ctx)

	for i := 0; i < n; i++ {
		callables[i] = func() *loom.CancellablePromise[R] {
			inner := loom.NewCancellable[R](loop)

			go func() {
				leaseP := p.Get(leaseCtx)
				lease, err := awaitOutsideTask(leaseP)
				if err != nil {
					inner.Reject(err)
					return
				}

				done := make(chan struct{})
				inner.WithCancelHandler(func() { close(done) })

				v, txErr := txn(leaseCtx, lease.Value())
				select {
				case <-done:
					// Already cancelled; release regardless of the
					// transaction's own outcome.
					lease.Release()
					return
				default:
				}

				if txErr != nil {
					lease.Release()
					inner.Reject(txErr)
					return
				}
				lease.Release()
				inner.Resolve(v)
			}()

			return inner
		}
	}

	race := loom.Any(loop, callables)
	loom.Then(race.Promise,
		func(v R) (R, error) { cancel(); result.Resolve(v); return v, nil },
		func(err error) (R, error) { cancel(); result.Reject(err); var zero R; return zero, err },
	)

	result.WithCancelHandler(cancel)
	return result
}

// awaitOutsideTask blocks the calling goroutine (not a scheduler task) until
// p settles, used internally by RaceTransactions whose transaction bodies
// run on their own goroutines rather than inside a Task.
func awaitOutsideTask[T any](p *loom.CancellablePromise[T]) (T, error) {
	return p.Result()
}
