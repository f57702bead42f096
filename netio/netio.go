// Package netio is the I/O Registration layer (spec §4.5): a uniform
// readiness model over sockets and streams, each watcher firing at most
// once per readiness edge. Because Go's net package exposes blocking I/O
// rather than a raw readiness primitive, each watcher is realized as a
// dedicated goroutine performing the (possibly blocking) operation and
// reporting completion back to the loop's ready queue — the cooperating
// worker-thread pattern spec §9 Design Notes explicitly permits.
package netio

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ygrebnov/loom"
)

// Resource is the uniform I/O handle watchers register against.
type Resource interface {
	// Kind distinguishes sockets from streams for diagnostics.
	Kind() string
	Close() error
}

// Manager multiplexes outstanding watchers across every Resource and
// implements loom.Manager so the event loop drains its ready callbacks in
// the fixed per-tick position (spec §4.1 step 2, position 4).
type Manager struct {
	loop *loom.EventLoop

	mu       sync.Mutex
	ready    []func()
	pending  int
	watchers map[Resource]*resourceWatchers
}

type resourceWatchers struct {
	reader func()
	writer func()
}

// NewManager constructs an I/O Registration manager bound to loop. Call
// loop.SetIOManager(m) to wire it into the loop's tick.
func NewManager(loop *loom.EventLoop) *Manager {
	return &Manager{loop: loop, watchers: make(map[Resource]*resourceWatchers)}
}

// DrainReady implements loom.Manager.
func (m *Manager) DrainReady() []func() {
	m.mu.Lock()
	batch := m.ready
	m.ready = nil
	m.mu.Unlock()
	return batch
}

// Pending implements loom.Manager.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending > 0 || len(m.ready) > 0
}

func (m *Manager) enqueue(cb func()) {
	m.mu.Lock()
	m.ready = append(m.ready, cb)
	m.pending--
	m.mu.Unlock()
}

func (m *Manager) track() {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
}

// AddReadWatcher registers a one-shot readiness callback invoked from a
// worker goroutine performing fn; its result is delivered on the loop via
// the manager's ready queue (spec §4.5: "at most one reader ... at a time;
// re-registration replaces").
func (m *Manager) AddReadWatcher(res Resource, fn func() error) {
	m.mu.Lock()
	w, ok := m.watchers[res]
	if !ok {
		w = &resourceWatchers{}
		m.watchers[res] = w
	}
	w.reader = func() { err := fn(); m.enqueue(func() { _ = err }) }
	runner := w.reader
	m.mu.Unlock()

	m.track()
	go func() { runner() }()
}

// AddWriteWatcher is AddReadWatcher's write-direction counterpart.
func (m *Manager) AddWriteWatcher(res Resource, fn func() error) {
	m.mu.Lock()
	w, ok := m.watchers[res]
	if !ok {
		w = &resourceWatchers{}
		m.watchers[res] = w
	}
	w.writer = func() { err := fn(); m.enqueue(func() { _ = err }) }
	runner := w.writer
	m.mu.Unlock()

	m.track()
	go func() { runner() }()
}

// ClearAllWatchersForSocket removes any pending watcher association for res
// (it does not stop an in-flight worker goroutine; when that goroutine
// later settles the operation's promise, the settlement is a no-op because
// the cancellation that called this has already rejected it).
func (m *Manager) ClearAllWatchersForSocket(res Resource) {
	m.mu.Lock()
	delete(m.watchers, res)
	m.mu.Unlock()
}

// Socket wraps a net.Conn as a Resource (spec §4.5 sockets).
type Socket struct {
	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

func (s *Socket) Kind() string { return "socket" }

// Close is idempotent; subsequent operations observe loom.ErrSocketClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connect performs a non-blocking-style connect: dial on a worker goroutine
// with a timeout and settle the returned promise (spec §4.5 Connect). A
// successful dial resolves with the connection as is; no separate check of
// the peer is made. Either path releases the connect timeout.
func Connect(loop *loom.EventLoop, mgr *Manager, network, addr string, timeout time.Duration) *loom.CancellablePromise[*Socket] {
	result := loom.NewCancellable[*Socket](loop)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	mgr.track()
	go func() {
		defer cancel()
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, network, addr)
		mgr.enqueue(func() {
			if err != nil {
				result.Reject(loom.ErrConnection)
				return
			}
			result.Resolve(&Socket{conn: conn})
		})
	}()

	result.WithCancelHandler(cancel)
	return result
}

// Read performs a single non-blocking-style read of up to length bytes,
// resolving with nil on orderly close (spec §4.5 Read). Races with an
// optional timeout via loom.Timeout composed by the caller.
func Read(loop *loom.EventLoop, mgr *Manager, s *Socket, length int) *loom.CancellablePromise[[]byte] {
	result := loom.NewCancellable[[]byte](loop)
	if s.isClosed() {
		result.Reject(loom.ErrSocketClosed)
		return result
	}

	buf := make([]byte, length)
	mgr.AddReadWatcher(s, func() error {
		n, err := s.conn.Read(buf)
		if n > 0 {
			result.Resolve(append([]byte(nil), buf[:n]...))
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			result.Reject(loom.ErrSocket)
			return err
		}
		result.Resolve(nil) // orderly close maps to nil per spec
		return nil
	})

	result.WithCancelHandler(func() { mgr.ClearAllWatchersForSocket(s) })
	return result
}

// Write performs a chunked write: writes as much as the connection accepts,
// re-issuing until every byte is consumed or an error occurs (spec §4.5
// Write).
func Write(loop *loom.EventLoop, mgr *Manager, s *Socket, data []byte) *loom.CancellablePromise[struct{}] {
	result := loom.NewCancellable[struct{}](loop)
	if s.isClosed() {
		result.Reject(loom.ErrSocketClosed)
		return result
	}

	remaining := data
	var step func()
	step = func() {
		mgr.AddWriteWatcher(s, func() error {
			n, err := s.conn.Write(remaining)
			if err != nil {
				result.Reject(loom.ErrSocket)
				return err
			}
			remaining = remaining[n:]
			if len(remaining) == 0 {
				result.Resolve(struct{}{})
				return nil
			}
			step()
			return nil
		})
	}
	step()

	result.WithCancelHandler(func() { mgr.ClearAllWatchersForSocket(s) })
	return result
}

// Stream wraps a *websocket.Conn as a Resource (spec §4.5 streams).
type Stream struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (w *Stream) Kind() string { return "stream" }

func (w *Stream) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.conn.Close()
}

// NewStream wraps an already-established websocket connection (upgrade or
// client dial is the caller's concern — the connection is out of band from
// the cooperative readiness model until registered here).
func NewStream(conn *websocket.Conn) *Stream { return &Stream{conn: conn} }

// ReadMessage registers a read watcher that resolves with the next
// websocket message.
func ReadMessage(loop *loom.EventLoop, mgr *Manager, s *Stream) *loom.CancellablePromise[[]byte] {
	result := loom.NewCancellable[[]byte](loop)
	mgr.AddReadWatcher(s, func() error {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			result.Reject(loom.ErrStream)
			return err
		}
		result.Resolve(data)
		return nil
	})
	result.WithCancelHandler(func() { mgr.ClearAllWatchersForSocket(s) })
	return result
}

// WriteMessage registers a write watcher that sends a single text/binary
// websocket message.
func WriteMessage(loop *loom.EventLoop, mgr *Manager, s *Stream, messageType int, data []byte) *loom.CancellablePromise[struct{}] {
	result := loom.NewCancellable[struct{}](loop)
	mgr.AddWriteWatcher(s, func() error {
		if err := s.conn.WriteMessage(messageType, data); err != nil {
			result.Reject(loom.ErrStream)
			return err
		}
		result.Resolve(struct{}{})
		return nil
	})
	result.WithCancelHandler(func() { mgr.ClearAllWatchersForSocket(s) })
	return result
}
