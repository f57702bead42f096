package loom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeManager is a minimal Manager for exercising the loop's fixed tick
// order without pulling in netio/httpreq/fileops.
type fakeManager struct {
	ready   []func()
	pending bool
}

func (f *fakeManager) DrainReady() []func() {
	batch := f.ready
	f.ready = nil
	return batch
}
func (f *fakeManager) Pending() bool { return f.pending }

func TestEventLoop_TickOrder_TimersBeforeManagers(t *testing.T) {
	loop := NewLoop()
	fileOps := &fakeManager{pending: true}
	loop.SetFileOpsManager(fileOps)

	var order []string
	loop.AddTimer(0, func() { order = append(order, "timer") })
	fileOps.ready = append(fileOps.ready, func() { order = append(order, "fileops") })

	loop.tick()

	require.Equal(t, []string{"timer", "fileops"}, order, "fixed order: timers run before file-ops manager callbacks")
}

func TestEventLoop_NextTickDrainsBeforeDeferred(t *testing.T) {
	loop := NewLoop()
	var order []string

	loop.ScheduleDeferred(func() { order = append(order, "deferred") })
	loop.scheduleMicrotask(func() {
		order = append(order, "microtask-1")
		// A micro-task scheduled from within a micro-task must still run
		// before the deferred queue (L1).
		loop.scheduleMicrotask(func() { order = append(order, "microtask-2") })
	})

	loop.tick()

	require.Equal(t, []string{"microtask-1", "microtask-2", "deferred"}, order)
}

func TestEventLoop_IsIdle(t *testing.T) {
	loop := NewLoop()
	require.True(t, loop.IsIdle())

	loop.AddTimer(time.Hour, func() {})
	require.False(t, loop.IsIdle())
}

func TestEventLoop_StopExitsEvenWithPendingWork(t *testing.T) {
	loop := NewLoop()
	loop.AddTimer(time.Hour, func() {})

	go func() {
		time.Sleep(20 * time.Millisecond)
		loop.Stop()
	}()

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop must make Run return even with an outstanding timer")
	}
}

func TestRun_ReturnsOpResult(t *testing.T) {
	v, err := Run(nil, func(tc *Context) (int, error) {
		if err := Sleep(tc, 5*time.Millisecond); err != nil {
			return 0, err
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestBenchmark_ReportsPositiveDuration(t *testing.T) {
	_, ms, err := Benchmark(nil, func(tc *Context) (struct{}, error) {
		return struct{}{}, Sleep(tc, 10*time.Millisecond)
	})
	require.NoError(t, err)
	require.Greater(t, ms, 0.0)
}
