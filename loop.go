package loom

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ygrebnov/loom/metrics"
	"go.uber.org/zap"
)

// Manager is the uniform interface the HTTP Request Manager, File Operations
// Manager, and I/O Registration layer implement so the loop's fixed tick
// order (spec §4.1) can drive them without depending on their packages.
type Manager interface {
	// DrainReady returns every callback ready to run in this tick, in FIFO
	// order, and clears them from the manager's internal queue.
	DrainReady() []func()
	// Pending reports whether the manager has outstanding registrations
	// that may produce ready work in a future tick (used by IsIdle and the
	// sleep-budget computation).
	Pending() bool
}

// EventLoop is the single-threaded cooperative driver (spec §4.1). One
// dedicated goroutine runs Run's tick loop; all scheduling, timer, and
// manager state is private to that goroutine except where guarded by a
// mutex for cross-goroutine producers (task resumption, manager readiness).
type EventLoop struct {
	cfg config

	nextTick   *workQueue
	deferred   *workQueue
	tasksReady *workQueue
	clock      *clock

	fileOps Manager
	http    Manager
	io      Manager

	stopped   atomic.Bool
	done      chan struct{}
	liveTasks atomic.Int64

	ctx       context.Context
	ctxCancel context.CancelFunc

	metrics loopMetrics

	mu      sync.Mutex
	started bool
}

type loopMetrics struct {
	tickDuration metrics.Histogram
	readyDepth   metrics.UpDownCounter
	tasksStarted metrics.Counter
	tasksSettled metrics.Counter
	sleptTicks   metrics.Counter
	busyTicks    metrics.Counter
}

// NewLoop constructs an EventLoop configured by opts. The loop is not
// started automatically; call Run to drive it.
func NewLoop(opts ...Option) *EventLoop {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := validateConfig(&cfg); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &EventLoop{
		cfg:        cfg,
		nextTick:   newWorkQueue(),
		deferred:   newWorkQueue(),
		tasksReady: newWorkQueue(),
		clock:      newClock(),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  cancel,
	}

	provider := cfg.metrics
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	l.metrics = loopMetrics{
		tickDuration: provider.Histogram("loom_tick_duration_seconds", metrics.WithUnit("s")),
		readyDepth:   provider.UpDownCounter("loom_ready_queue_depth"),
		tasksStarted: provider.Counter("loom_tasks_started_total"),
		tasksSettled: provider.Counter("loom_tasks_settled_total"),
		sleptTicks:   provider.Counter("loom_loop_slept_ticks_total"),
		busyTicks:    provider.Counter("loom_loop_busy_ticks_total"),
	}

	return l
}

func (l *EventLoop) baseContext() context.Context { return l.ctx }

// logger returns the configured *zap.Logger, or a no-op logger if none was
// supplied (mirrors the teacher's NoopProvider default pattern).
func (l *EventLoop) logger() *zap.Logger {
	if l.cfg.logger != nil {
		return l.cfg.logger
	}
	return zap.NewNop()
}

// logPanic logs a recovered panic to the error sink without stopping the
// loop (spec §4.1 failure semantics).
func (l *EventLoop) logPanic(site string, r any) {
	l.logger().Error("loom: callback panicked",
		zap.String("site", site),
		zap.Any("recovered", r),
	)
}

// runGuarded invokes cb, recovering and logging any panic so a single
// misbehaving callback never halts the loop (spec §4.1 failure semantics,
// §7 fatal-vs-recoverable distinction).
func (l *EventLoop) runGuarded(site string, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logPanic(site, r)
		}
	}()
	cb()
}

// SetFileOpsManager wires the File Operations Manager into the loop's fixed
// tick order (spec §4.1 step 2, position 2).
func (l *EventLoop) SetFileOpsManager(m Manager) { l.fileOps = m }

// SetHTTPManager wires the HTTP Request Manager into the loop's fixed tick
// order (position 3).
func (l *EventLoop) SetHTTPManager(m Manager) { l.http = m }

// SetIOManager wires the I/O Registration layer into the loop's fixed tick
// order (position 4).
func (l *EventLoop) SetIOManager(m Manager) { l.io = m }

// IsIdle reports whether the loop currently has no ready work and no
// outstanding registrations (timers, watchers, managers) that could produce
// future work.
func (l *EventLoop) IsIdle() bool {
	if l.nextTick.len() > 0 || l.deferred.len() > 0 || l.tasksReady.len() > 0 {
		return false
	}
	if l.clock.count() > 0 {
		return false
	}
	if l.fileOps != nil && l.fileOps.Pending() {
		return false
	}
	if l.http != nil && l.http.Pending() {
		return false
	}
	if l.io != nil && l.io.Pending() {
		return false
	}
	// A task can be suspended on a Promise that nothing above tracks (e.g.
	// one resolved by another goroutine or a plain Promise never wired to a
	// timer or Manager). Such a task leaves no trace in the queues or clock
	// above while suspended, so without this check the loop would wrongly
	// call itself idle and Run would return while the task is still alive.
	if l.liveTasks.Load() > 0 {
		return false
	}
	return true
}

// Stop requests the loop to exit. The current tick finishes, then Run
// returns, even with outstanding work (spec invariant L4).
func (l *EventLoop) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		l.ctxCancel()
	}
}

func (l *EventLoop) stopRequested() bool { return l.stopped.Load() }

// Run drives the loop until Stop is called or the loop becomes fully idle
// (spec §4.1). It is safe to call Run only once; subsequent calls return
// immediately.
func (l *EventLoop) Run() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)

	for {
		if l.stopRequested() {
			return
		}
		l.tick()
		if l.stopRequested() {
			return
		}
		if l.IsIdle() {
			return
		}
	}
}

// tick executes exactly one iteration of the loop: drain next-tick, process
// one fixed-order work batch, run deferreds, then sleep if nothing is ready
// (spec §4.1 steps 1-4).
func (l *EventLoop) tick() {
	start := time.Now()
	defer func() { l.metrics.tickDuration.Record(time.Since(start).Seconds()) }()

	// Step 1: next-tick always drains completely first (L1).
	l.drainNextTick()

	// Step 2: one batch each, fixed order: timers -> file ops -> http ->
	// io watchers -> resumable tasks.
	busy := l.runDueTimers()
	busy = l.runManager(l.fileOps) || busy
	busy = l.runManager(l.http) || busy
	busy = l.runManager(l.io) || busy
	busy = l.runReadyTasks() || busy

	// Micro-tasks scheduled while processing the batch must drain before
	// deferreds run (L1 applies at every boundary, not just tick start).
	l.drainNextTick()

	// Step 3/4: deferreds run before any sleep, never starved (L3).
	ranDeferred := l.drainDeferredOnce() > 0
	l.drainNextTick()

	if busy || ranDeferred {
		l.metrics.busyTicks.Add(1)
		return
	}

	if l.IsIdle() {
		return
	}

	l.sleepForNextEvent()
	l.metrics.sleptTicks.Add(1)
}

func (l *EventLoop) runManager(m Manager) bool {
	if m == nil {
		return false
	}
	ready := m.DrainReady()
	for _, cb := range ready {
		l.runGuarded("manager callback", cb)
	}
	return len(ready) > 0
}

func (l *EventLoop) runDueTimers() bool {
	due := l.clock.popExpired(l.clock.now())
	for _, e := range due {
		e.callback()
	}
	return len(due) > 0
}

func (l *EventLoop) runReadyTasks() bool {
	batch := l.tasksReady.drain()
	l.metrics.readyDepth.Add(int64(len(batch)))
	for _, turn := range batch {
		l.runGuarded("task turn", turn)
	}
	l.metrics.readyDepth.Add(-int64(len(batch)))
	return len(batch) > 0
}

// sleepForNextEvent blocks for the minimum of the next timer deadline and
// the loop's IO-wait cap (spec §4.1 step 3), or until a producer wakes the
// loop via the next-tick/ready/deferred/manager queues.
func (l *EventLoop) sleepForNextEvent() {
	budget := l.cfg.ioWaitCap
	if deadline, ok := l.clock.nextDeadline(); ok {
		until := time.Until(deadline)
		if until < budget {
			budget = until
		}
	}
	if budget < 0 {
		budget = 0
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-l.nextTick.wakeup:
	case <-l.tasksReady.wakeup:
	case <-l.deferred.wakeup:
	case <-l.ctx.Done():
	case <-timer.C:
	}
}

// Delay returns a CancellablePromise that fulfils after d elapses;
// cancelling it cancels the underlying timer before it can fire (spec
// §4.2/§4.4).
func (l *EventLoop) Delay(d time.Duration) *CancellablePromise[struct{}] {
	p := NewCancellable[struct{}](l)
	id := l.AddTimer(d, func() { p.Resolve(struct{}{}) })
	p.WithOwnedTimer(id)
	return p
}

// Sleep blocks the calling task until d elapses (sugar for Await(tc, Delay(...))).
func Sleep(tc *Context, d time.Duration) error {
	_, err := AwaitCancellable(tc, tc.loop.Delay(d))
	return err
}

// Run executes op to completion by driving a dedicated loop, returning op's
// result (spec §6 loop-facing API).
func Run[R any](opts []Option, op func(tc *Context) (R, error)) (R, error) {
	loop := NewLoop(opts...)
	factory := Async(loop, op)
	p := factory()
	go loop.Run()
	<-loop.done
	v, err := p.Result()
	return v, err
}

// Result blocks the calling goroutine (not a task) until p settles,
// returning its value or rejection reason. Intended for use at the
// outermost boundary (spec §7: unrecovered rejections propagate to the
// outermost await or run() call).
//
// An already-settled p is read directly rather than through a micro-task
// (mirroring Await's fast path, scheduler.go): Run calls this after its loop
// has already exited on IsIdle, by which point the task's promise is always
// settled, and nothing is left to drain a micro-task scheduled on a loop
// that is no longer running.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	state, v, err := p.state, p.value, p.reason
	p.mu.Unlock()
	if state != Pending {
		return v, err
	}

	done := make(chan struct{})
	p.onSettleFulfilled(func(val T) { v = val; close(done) })
	p.onSettleRejected(func(e error) { err = e; close(done) })
	<-done
	return v, err
}

// Benchmark runs op via Run and reports its wall-clock duration in
// milliseconds alongside its result (spec §6 loop-facing API).
func Benchmark[R any](opts []Option, op func(tc *Context) (R, error)) (R, float64, error) {
	start := time.Now()
	v, err := Run(opts, op)
	return v, float64(time.Since(start).Microseconds()) / 1000.0, err
}
