package loom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock_PopExpired_OrdersByDeadlineThenSequence(t *testing.T) {
	c := newClock()

	var fired []int
	c.addTimer(10*time.Millisecond, func() { fired = append(fired, 2) })
	c.addTimer(10*time.Millisecond, func() { fired = append(fired, 3) }) // same delay, later insertion
	c.addTimer(5*time.Millisecond, func() { fired = append(fired, 1) })

	time.Sleep(15 * time.Millisecond)
	due := c.popExpired(c.now())
	require.Len(t, due, 3)
	for _, e := range due {
		e.callback()
	}
	require.Equal(t, []int{1, 2, 3}, fired, "earliest deadline fires first, ties broken by insertion order")
}

func TestClock_CancelTombstonesBeforeFiring(t *testing.T) {
	c := newClock()
	var fired bool
	id := c.addTimer(5*time.Millisecond, func() { fired = true })
	c.cancelTimer(id)

	time.Sleep(10 * time.Millisecond)
	due := c.popExpired(c.now())
	require.Empty(t, due, "a cancelled timer must never be returned as due")
	require.False(t, fired)
}

func TestClock_CancelIsIdempotent(t *testing.T) {
	c := newClock()
	id := c.addTimer(time.Hour, func() {})
	c.cancelTimer(id)
	c.cancelTimer(id) // must not panic on a second cancel
	require.Equal(t, 0, c.count())
}

func TestClock_NextDeadlineSkipsTombstones(t *testing.T) {
	c := newClock()
	id1 := c.addTimer(5*time.Millisecond, func() {})
	_ = c.addTimer(50*time.Millisecond, func() {})
	c.cancelTimer(id1)

	deadline, ok := c.nextDeadline()
	require.True(t, ok)
	require.WithinDuration(t, c.now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)
}

func TestEventLoop_AddTimer_FiresViaTick(t *testing.T) {
	loop := NewLoop()
	done := make(chan struct{})
	loop.AddTimer(5*time.Millisecond, func() { close(done) })

	go loop.Run()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer callback never fired")
	}
}
