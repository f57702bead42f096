// Package pool implements the cancellation-aware generic resource pool (spec
// §4.8): acquire/release over a typed resource, an unbounded FIFO waiter queue,
// min/max sizing, idle-timeout and max-lifetime eviction, and a racing-
// transactions helper that leaks no connection under any outcome.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ygrebnov/loom"
	"golang.org/x/sync/semaphore"
)

// Factory constructs a new pooled resource.
type Factory[T any] func(ctx context.Context) (T, error)

// Healthcheck is implemented by resources that can signal their own
// unhealthiness; Release destroys rather than recycles an unhealthy
// resource.
type Healthcheck interface {
	Healthy() bool
}

// Destroyer is implemented by resources that need explicit cleanup when
// discarded rather than returned to the pool.
type Destroyer interface {
	Destroy()
}

type entry[T any] struct {
	value     T
	createdAt time.Time
	idleSince time.Time
}

// Lease is a checked-out resource. Exactly one of Release or Discard must be
// called, exactly once, to return it to the pool or destroy it.
type Lease[T any] struct {
	pool     *Pool[T]
	entry    *entry[T]
	mu       sync.Mutex
	finished bool
}

// Value returns the leased resource.
func (l *Lease[T]) Value() T { return l.entry.value }

// Release returns the resource to the pool (spec §4.8 Release algorithm):
// unhealthy resources are destroyed, otherwise handed to the oldest waiter
// or pushed onto the available deque.
func (l *Lease[T]) Release() {
	l.finish(false)
}

// Discard destroys the resource instead of returning it to the pool (the
// caller has signalled it is unhealthy or unusable).
func (l *Lease[T]) Discard() {
	l.finish(true)
}

func (l *Lease[T]) finish(discard bool) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.mu.Unlock()

	if !discard {
		if hc, ok := any(l.entry.value).(Healthcheck); ok && !hc.Healthy() {
			discard = true
		}
	}
	l.pool.release(l.entry, discard)
}

// Pool is a generic, cancellation-aware bounded resource pool (spec §4.8).
type Pool[T any] struct {
	loop        *loom.EventLoop
	factory     Factory[T]
	min, max    int
	idleTimeout time.Duration
	maxLifetime time.Duration

	// admission bounds concurrent factory() calls to max, independent of the
	// mutex-protected bookkeeping below — a real use for a weighted
	// semaphore where the pool's own counters already give exact admission
	// control but slow connection establishment should not fan out
	// unbounded goroutines.
	admission *semaphore.Weighted

	mu        sync.Mutex
	available *list.List // of *entry[T], oldest-idle first
	inUse     map[*entry[T]]struct{}
	pending   int // reservations for in-flight factory() calls, counted against max
	waiters   *list.List // of *loom.CancellablePromise[*Lease[T]]
	closed    bool
}

// Option configures a Pool at construction time.
type Option[T any] func(*Pool[T])

// WithMin pre-creates n resources at construction (spec §4.8 Acquire
// algorithm step 4).
func WithMin[T any](n int) Option[T] {
	return func(p *Pool[T]) { p.min = n }
}

// WithIdleTimeout discards an available resource on acquire if it has been
// idle longer than d.
func WithIdleTimeout[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) { p.idleTimeout = d }
}

// WithMaxLifetime discards a resource on acquire if it is older than d,
// regardless of idle time.
func WithMaxLifetime[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) { p.maxLifetime = d }
}

// New constructs a Pool bound to loop, with capacity max and the given
// factory, applying opts. min resources (if WithMin was given) are created
// eagerly and pushed onto the available deque.
func New[T any](loop *loom.EventLoop, max int, factory Factory[T], opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		loop:      loop,
		factory:   factory,
		max:       max,
		available: list.New(),
		inUse:     make(map[*entry[T]]struct{}),
		waiters:   list.New(),
		admission: semaphore.NewWeighted(int64(max)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < p.min; i++ {
		v, err := factory(context.Background())
		if err != nil {
			continue
		}
		now := time.Now()
		p.available.PushBack(&entry[T]{value: v, createdAt: now, idleSince: now})
	}
	return p
}

// Get acquires a resource, following spec §4.8's acquire algorithm: reuse an
// available one (discarding stale ones per idle-timeout/max-lifetime),
// else create one if under max, else enqueue as a FIFO waiter. The returned
// promise is cancellable; cancelling a waiting Get removes it from the
// waiter queue without ever handing out a resource to it.
func (p *Pool[T]) Get(ctx context.Context) *loom.CancellablePromise[*Lease[T]] {
	result := loom.NewCancellable[*Lease[T]](p.loop)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		result.Reject(loom.ErrPoolClosed)
		return result
	}

	for p.available.Len() > 0 {
		front := p.available.Front()
		e := front.Value.(*entry[T])
		p.available.Remove(front)
		if p.stale(e) {
			p.destroy(e)
			continue
		}
		p.inUse[e] = struct{}{}
		p.mu.Unlock()
		result.Resolve(&Lease[T]{pool: p, entry: e})
		return result
	}

	if len(p.inUse)+p.pending < p.max {
		p.pending++
		p.mu.Unlock()

		created, err := p.createGuarded(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			result.Reject(err)
			return result
		}
		p.inUse[created] = struct{}{}
		p.mu.Unlock()
		result.Resolve(&Lease[T]{pool: p, entry: created})
		return result
	}

	elem := p.waiters.PushBack(result)
	p.mu.Unlock()

	result.WithCancelHandler(func() {
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
	})
	return result
}

func (p *Pool[T]) createGuarded(ctx context.Context) (*entry[T], error) {
	if err := p.admission.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.admission.Release(1)

	v, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &entry[T]{value: v, createdAt: now, idleSince: now}, nil
}

func (p *Pool[T]) stale(e *entry[T]) bool {
	now := time.Now()
	if p.maxLifetime > 0 && now.Sub(e.createdAt) > p.maxLifetime {
		return true
	}
	if p.idleTimeout > 0 && now.Sub(e.idleSince) > p.idleTimeout {
		return true
	}
	return false
}

func (p *Pool[T]) destroy(e *entry[T]) {
	if d, ok := any(e.value).(Destroyer); ok {
		d.Destroy()
	}
}

// release is the Release algorithm of spec §4.8: destroy if closed/discard,
// else hand to the oldest waiter, else push to available with a fresh idle
// timestamp.
func (p *Pool[T]) release(e *entry[T], discard bool) {
	p.mu.Lock()
	delete(p.inUse, e)

	if p.closed || discard {
		p.mu.Unlock()
		p.destroy(e)
		return
	}

	if p.waiters.Len() > 0 {
		front := p.waiters.Front()
		p.waiters.Remove(front)
		waiter := front.Value.(*loom.CancellablePromise[*Lease[T]])
		p.inUse[e] = struct{}{}
		p.mu.Unlock()
		waiter.Resolve(&Lease[T]{pool: p, entry: e})
		return
	}

	e.idleSince = time.Now()
	p.available.PushBack(e)
	p.mu.Unlock()
}

// Close drains the available deque (destroying every resource), rejects
// every pending waiter with ErrPoolClosed, and marks the pool closed so
// subsequent Get calls reject immediately (spec §4.8 Acquire algorithm step
// 5, testable property 5: pool conservation).
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	var toDestroy []*entry[T]
	for p.available.Len() > 0 {
		front := p.available.Front()
		p.available.Remove(front)
		toDestroy = append(toDestroy, front.Value.(*entry[T]))
	}
	var toReject []*loom.CancellablePromise[*Lease[T]]
	for p.waiters.Len() > 0 {
		front := p.waiters.Front()
		p.waiters.Remove(front)
		toReject = append(toReject, front.Value.(*loom.CancellablePromise[*Lease[T]]))
	}
	p.mu.Unlock()

	for _, e := range toDestroy {
		p.destroy(e)
	}
	for _, w := range toReject {
		w.Reject(loom.ErrPoolClosed)
	}
}

// Stats reports current pool occupancy, useful for the conservation
// invariant (acquired_ever - released_ever == currently_in_use).
type Stats struct {
	Available int
	InUse     int
	Waiters   int
	Closed    bool
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: p.available.Len(),
		InUse:     len(p.inUse),
		Waiters:   p.waiters.Len(),
		Closed:    p.closed,
	}
}
