package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ygrebnov/loom"
)

type resource struct{ id int }

func counting() (Factory[*resource], func() int) {
	var n int
	return func(ctx context.Context) (*resource, error) {
		n++
		return &resource{id: n}, nil
	}, func() int { return n }
}

// Every test that needs an actual Lease value (not just State()) drives the
// pool's whole scenario inside a single loom.Run task body, constructing the
// Pool with tc.Loop(): a pool bound to a loop nobody drives would register
// resume callbacks that can never run, deadlocking Await on any operation
// that doesn't settle synchronously.

func TestGetRelease_ReusesAvailableResource(t *testing.T) {
	factory, created := counting()

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 2, factory)

		l1, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}
		l1.Release()

		l2, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}
		require.Equal(t, l1.Value().id, l2.Value().id, "the second Get must reuse the released resource")
		l2.Release()
		return struct{}{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, created())
}

func TestGet_BlocksAsFIFOWaiterAtMax(t *testing.T) {
	factory, created := counting()
	var ids []int

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		p := New[*resource](loop, 1, factory)

		first, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}

		waiterA := p.Get(tc.Std())
		waiterB := p.Get(tc.Std())

		loop.AddTimer(5*time.Millisecond, func() { first.Release() })

		la, err := loom.AwaitCancellable(tc, waiterA)
		if err != nil {
			return struct{}{}, err
		}
		ids = append(ids, la.Value().id)
		la.Release()

		lb, err := loom.AwaitCancellable(tc, waiterB)
		if err != nil {
			return struct{}{}, err
		}
		ids = append(ids, lb.Value().id)
		lb.Release()
		return struct{}{}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, created(), "at max size, waiters must reuse the single resource rather than create new ones")
	require.Equal(t, []int{1, 1}, ids)
}

func TestGet_CancelRemovesFromWaiterQueue(t *testing.T) {
	factory, _ := counting()
	var waitersBeforeCancel int

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 1, factory)

		held, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}

		waiter := p.Get(tc.Std())
		waitersBeforeCancel = p.Stats().Waiters
		waiter.Cancel()

		require.Equal(t, 0, p.Stats().Waiters, "a cancelled Get must be removed from the waiter queue")
		held.Release()
		return struct{}{}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, waitersBeforeCancel)
}

func TestGet_RejectsImmediatelyWhenClosed(t *testing.T) {
	factory, _ := counting()

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 1, factory)
		p.Close()

		_, getErr := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		require.ErrorIs(t, getErr, loom.ErrPoolClosed)
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestClose_RejectsPendingWaiters(t *testing.T) {
	factory, _ := counting()

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 1, factory)

		held, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}

		waiter := p.Get(tc.Std())
		require.Equal(t, 1, p.Stats().Waiters)

		p.Close()

		_, werr := loom.AwaitCancellable(tc, waiter)
		require.ErrorIs(t, werr, loom.ErrPoolClosed)

		held.Release() // must not panic even though the pool is closed
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestGet_DiscardsStaleResourceOnIdleTimeout(t *testing.T) {
	factory, created := counting()

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 2, factory, WithIdleTimeout[*resource](10*time.Millisecond))

		l1, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}
		l1.Release()

		if err := loom.Sleep(tc, 30*time.Millisecond); err != nil {
			return struct{}{}, err
		}

		l2, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}
		require.NotEqual(t, l1.Value().id, l2.Value().id, "a resource idle past the timeout must be discarded, not reused")
		l2.Release()
		return struct{}{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, created())
}

func TestWithMin_PrecreatesResources(t *testing.T) {
	loop := loom.NewLoop()
	factory, created := counting()
	p := New[*resource](loop, 3, factory, WithMin[*resource](2))

	require.Equal(t, 2, created())
	require.Equal(t, 2, p.Stats().Available)
}

func TestLease_ReleaseTwiceIsNoop(t *testing.T) {
	factory, _ := counting()

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 1, factory)

		lease, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}

		lease.Release()
		require.Equal(t, 1, p.Stats().Available)
		lease.Release() // must not double-release / corrupt bookkeeping
		require.Equal(t, 1, p.Stats().Available)
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestLease_DiscardDestroysInsteadOfRecycling(t *testing.T) {
	factory, created := counting()

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 2, factory)

		l, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}
		l.Discard()
		require.Equal(t, 0, p.Stats().Available)

		l2, err := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		if err != nil {
			return struct{}{}, err
		}
		l2.Release()
		return struct{}{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, created(), "Discard must not return the resource for reuse")
}

func TestFactory_ErrorIsSurfacedAndDoesNotLeakPending(t *testing.T) {
	wantErr := errors.New("dial failed")
	var stats Stats
	var pendingAfter int

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		p := New[*resource](tc.Loop(), 1, func(ctx context.Context) (*resource, error) { return nil, wantErr })

		_, getErr := loom.AwaitCancellable(tc, p.Get(tc.Std()))
		stats = p.Stats()
		p.mu.Lock()
		pendingAfter = p.pending
		p.mu.Unlock()
		return struct{}{}, getErr
	})

	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 0, stats.Available)
	require.Equal(t, 0, pendingAfter, "a failed factory call must give back its pending reservation")
}
