package loom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Promise state transitions synchronously inside Resolve/Reject (only
// continuation callbacks are deferred to a micro-task); FIFO release order
// is observable by inspecting State() directly, with no loop driving needed.
func TestMutex_FairFIFOOrdering(t *testing.T) {
	loop := NewLoop()
	m := NewMutex(loop)

	first := m.Acquire()
	require.Equal(t, Fulfilled, first.State(), "an uncontended Acquire fulfils immediately")
	require.True(t, m.Locked())

	second := m.Acquire()
	third := m.Acquire()
	require.Equal(t, Pending, second.State())
	require.Equal(t, Pending, third.State())

	m.Release()
	require.Equal(t, Fulfilled, second.State(), "the oldest waiter acquires first")
	require.Equal(t, Pending, third.State(), "later waiters stay queued")

	m.Release()
	require.Equal(t, Fulfilled, third.State())
}

func TestMutex_ReleaseWhenUnlockedIsNoop(t *testing.T) {
	loop := NewLoop()
	m := NewMutex(loop)
	require.False(t, m.Locked())
	m.Release()
	require.False(t, m.Locked())
}
