package loom

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Callable produces a CancellablePromise when invoked. Combinator inputs are
// always a collection of these rather than already-started promises, so a
// combinator controls exactly when each unit of work begins (spec §4.3: "a
// collection of promises or zero-arg callables that produce promises").
type Callable[T any] func() *CancellablePromise[T]

// FromPromise adapts an already-created promise into a Callable for callers
// that truly do have live promises in hand rather than deferred work.
func FromPromise[T any](p *CancellablePromise[T]) Callable[T] {
	return func() *CancellablePromise[T] { return p }
}

// AggregateError wraps multiple reasons, preserving input order, produced by
// Any when every input rejects (spec §4.3, testable property S3).
type AggregateError struct {
	Reasons []error
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.Error()
	}
	return fmt.Sprintf("%s: all inputs rejected: [%s]", Namespace, strings.Join(parts, "; "))
}

func cancelAll[T any](ps []*CancellablePromise[T]) {
	for _, p := range ps {
		if p != nil {
			p.Cancel()
		}
	}
}

// All fulfils with every value in input order, rejecting on the first
// rejection without waiting for the rest (spec §4.3 all, O4, testable
// property 3, scenario S1). It does not cancel outstanding siblings on
// failure unless the caller cancels the returned promise.
func All[T any](loop *EventLoop, callables []Callable[T]) *CancellablePromise[[]T] {
	result := NewCancellable[[]T](loop)
	n := len(callables)
	if n == 0 {
		result.Resolve(nil)
		return result
	}

	values := make([]T, n)
	promises := make([]*CancellablePromise[T], n)
	var mu sync.Mutex
	remaining := n
	settled := false

	for i, c := range callables {
		i, c := i, c
		p := c()
		promises[i] = p
		p.onSettleFulfilled(func(v T) {
			mu.Lock()
			defer mu.Unlock()
			if settled {
				return
			}
			values[i] = v
			remaining--
			if remaining == 0 {
				settled = true
				result.Resolve(append([]T(nil), values...))
			}
		})
		p.onSettleRejected(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if settled {
				return
			}
			settled = true
			result.Reject(tagTaskError(err, nil, i))
		})
	}

	result.WithCancelHandler(func() { cancelAll(promises) })
	return result
}

// Race settles with whichever input settles first, fulfilled or rejected
// (spec §4.3 race, scenario S2).
func Race[T any](loop *EventLoop, callables []Callable[T]) *CancellablePromise[T] {
	result := NewCancellable[T](loop)
	promises := make([]*CancellablePromise[T], len(callables))
	var mu sync.Mutex
	settled := false

	for i, c := range callables {
		p := c()
		promises[i] = p
		p.onSettleFulfilled(func(v T) {
			mu.Lock()
			first := !settled
			settled = true
			mu.Unlock()
			if first {
				result.Resolve(v)
			}
		})
		p.onSettleRejected(func(err error) {
			mu.Lock()
			first := !settled
			settled = true
			mu.Unlock()
			if first {
				result.Reject(err)
			}
		})
	}

	result.WithCancelHandler(func() { cancelAll(promises) })
	return result
}

// Any fulfils with the first fulfilment; if every input rejects, rejects
// with an AggregateError preserving input order (spec §4.3 any, scenario S3).
func Any[T any](loop *EventLoop, callables []Callable[T]) *CancellablePromise[T] {
	result := NewCancellable[T](loop)
	n := len(callables)
	if n == 0 {
		result.Reject(&AggregateError{})
		return result
	}

	reasons := make([]error, n)
	promises := make([]*CancellablePromise[T], n)
	var mu sync.Mutex
	remaining := n
	settled := false

	for i, c := range callables {
		i, c := i, c
		p := c()
		promises[i] = p
		p.onSettleFulfilled(func(v T) {
			mu.Lock()
			first := !settled
			settled = true
			mu.Unlock()
			if first {
				result.Resolve(v)
			}
		})
		p.onSettleRejected(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if settled {
				return
			}
			reasons[i] = tagTaskError(err, nil, i)
			remaining--
			if remaining == 0 {
				settled = true
				result.Reject(&AggregateError{Reasons: reasons})
			}
		})
	}

	result.WithCancelHandler(func() { cancelAll(promises) })
	return result
}

// Concurrent runs callables with at most n in flight, failing fast on the
// first rejection and cancelling every outstanding CancellablePromise when
// it does; results preserve input order (spec §4.3 concurrent, scenario S4).
func Concurrent[T any](loop *EventLoop, callables []Callable[T], n int) *CancellablePromise[[]T] {
	result := NewCancellable[[]T](loop)
	total := len(callables)
	if total == 0 {
		result.Resolve(nil)
		return result
	}
	if n <= 0 || n > total {
		n = total
	}

	values := make([]T, total)
	inFlight := make(map[int]*CancellablePromise[T], n)
	var mu sync.Mutex
	next := 0
	remaining := total
	failed := false

	var launch func()
	launch = func() {
		mu.Lock()
		if failed || next >= total {
			mu.Unlock()
			return
		}
		idx := next
		next++
		mu.Unlock()

		p := callables[idx]()
		mu.Lock()
		inFlight[idx] = p
		mu.Unlock()

		p.onSettleFulfilled(func(v T) {
			mu.Lock()
			if failed {
				mu.Unlock()
				return
			}
			delete(inFlight, idx)
			values[idx] = v
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				result.Resolve(append([]T(nil), values...))
				return
			}
			launch()
		})
		p.onSettleRejected(func(err error) {
			mu.Lock()
			if failed {
				mu.Unlock()
				return
			}
			failed = true
			toCancel := make([]*CancellablePromise[T], 0, len(inFlight))
			for k, ip := range inFlight {
				if k != idx {
					toCancel = append(toCancel, ip)
				}
			}
			mu.Unlock()
			cancelAll(toCancel)
			result.Reject(tagTaskError(err, nil, idx))
		})
	}

	for i := 0; i < n; i++ {
		launch()
	}

	result.WithCancelHandler(func() {
		mu.Lock()
		toCancel := make([]*CancellablePromise[T], 0, len(inFlight))
		for _, ip := range inFlight {
			toCancel = append(toCancel, ip)
		}
		mu.Unlock()
		cancelAll(toCancel)
	})
	return result
}

// Batch splits callables into batches of size b, running each batch with
// concurrency c (default b), concatenating results in input order (spec
// §4.3 batch). Batches themselves run sequentially; within a batch, up to c
// callables run concurrently via Concurrent.
func Batch[T any](loop *EventLoop, callables []Callable[T], b, c int) *CancellablePromise[[]T] {
	result := NewCancellable[[]T](loop)
	if b <= 0 {
		b = len(callables)
	}
	if c <= 0 {
		c = b
	}
	if len(callables) == 0 {
		result.Resolve(nil)
		return result
	}

	var batches [][]Callable[T]
	for i := 0; i < len(callables); i += b {
		end := i + b
		if end > len(callables) {
			end = len(callables)
		}
		batches = append(batches, callables[i:end])
	}

	values := make([]T, 0, len(callables))

	var runBatch func(i int)
	runBatch = func(i int) {
		if i >= len(batches) {
			result.Resolve(values)
			return
		}
		bp := Concurrent(loop, batches[i], c)
		bp.onSettleFulfilled(func(vs []T) {
			values = append(values, vs...)
			runBatch(i + 1)
		})
		bp.onSettleRejected(func(err error) {
			idx := i * b
			if inner, ok := ExtractTaskIndex(err); ok {
				idx += inner
			}
			result.Reject(tagTaskError(err, nil, idx))
		})
	}
	runBatch(0)

	return result
}

// Timeout resolves with p's value if it settles before d elapses; otherwise
// rejects with ErrTimeout and cancels p if it is still pending (spec §4.3
// timeout, scenario S5).
func Timeout[T any](loop *EventLoop, p *CancellablePromise[T], d time.Duration) *CancellablePromise[T] {
	result := NewCancellable[T](loop)
	var mu sync.Mutex
	settled := false

	timerID := loop.AddTimer(d, func() {
		mu.Lock()
		if settled {
			mu.Unlock()
			return
		}
		settled = true
		mu.Unlock()
		p.Cancel()
		result.Reject(ErrTimeout)
	})

	p.onSettleFulfilled(func(v T) {
		mu.Lock()
		first := !settled
		settled = true
		mu.Unlock()
		if first {
			loop.CancelTimer(timerID)
			result.Resolve(v)
		}
	})
	p.onSettleRejected(func(err error) {
		mu.Lock()
		first := !settled
		settled = true
		mu.Unlock()
		if first {
			loop.CancelTimer(timerID)
			result.Reject(err)
		}
	})

	result.WithCancelHandler(func() {
		loop.CancelTimer(timerID)
		p.Cancel()
	})
	return result
}
