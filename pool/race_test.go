package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ygrebnov/loom"
)

func TestRaceTransactions_FirstSuccessWinsAndReleasesAll(t *testing.T) {
	factory, created := counting()
	var attempt int32
	var poolRef *Pool[*resource]

	v, err := loom.Run(nil, func(tc *loom.Context) (int, error) {
		loop := tc.Loop()
		p := New[*resource](loop, 3, factory)
		poolRef = p

		txn := func(ctx context.Context, res *resource) (int, error) {
			n := atomic.AddInt32(&attempt, 1)
			// The first attempt to start wins the race; the rest would
			// return later (or never, if cancelled first).
			delay := time.Duration(n) * 20 * time.Millisecond
			select {
			case <-time.After(delay):
				return int(n), nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		race := RaceTransactions[*resource, int](loop, p, tc.Std(), 3, txn)
		return loom.AwaitCancellable(tc, race)
	})

	require.NoError(t, err)
	require.Equal(t, 1, v, "the fastest attempt (first to start, shortest delay) wins")
	require.Equal(t, 3, created(), "each of the n concurrent attempts needs its own leased resource")
	require.Eventually(t, func() bool { return poolRef.Stats().InUse == 0 }, time.Second, 5*time.Millisecond,
		"the winner and every cancelled loser release their connection")
}

func TestRaceTransactions_AllFailuresRejectAndReleaseEverything(t *testing.T) {
	factory, _ := counting()
	wantErr := errors.New("txn failed")
	var poolRef *Pool[*resource]

	_, err := loom.Run(nil, func(tc *loom.Context) (int, error) {
		loop := tc.Loop()
		p := New[*resource](loop, 2, factory)
		poolRef = p

		race := RaceTransactions[*resource, int](loop, p, tc.Std(), 2, func(ctx context.Context, res *resource) (int, error) {
			return 0, wantErr
		})
		return loom.AwaitCancellable(tc, race)
	})

	require.Error(t, err)
	require.Equal(t, 0, poolRef.Stats().InUse, "every leased connection must be released back even when the race fails")
	require.Equal(t, 2, poolRef.Stats().Available)
}
