// Package fileops is the File Operations Manager (spec §4.7): named file
// and directory operations executed on cooperating worker goroutines (Go
// has no non-blocking filesystem primitive), atomic writes via
// renameio, and path watchers backed by fsnotify with debounce and
// include/exclude globs.
package fileops

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/ygrebnov/loom"
)

// WriteOptions are spec §6's recognized write option keys. Permissions is an
// alias of Mode kept distinct so callers coming from the option-key
// enumeration (`mode`, `permissions`) can set either name.
type WriteOptions struct {
	Mode        os.FileMode
	Permissions os.FileMode
	CreateDirs  bool
	Lock        bool
	Atomic      bool
}

func (o WriteOptions) mode() os.FileMode {
	switch {
	case o.Mode != 0:
		return o.Mode
	case o.Permissions != 0:
		return o.Permissions
	default:
		return 0o644
	}
}

// ReadOptions are spec §6's recognized read option keys.
type ReadOptions struct {
	Offset int64
	Length int64 // 0 means read to EOF
}

// Manager is the File Operations Manager. It implements loom.Manager so the
// loop drains completed operations in the fixed per-tick position (spec
// §4.1 step 2, position 2).
type Manager struct {
	loop *loom.EventLoop

	mu      sync.Mutex
	ready   []func()
	pending int

	watchers []*Watcher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager constructs a File Operations Manager bound to loop. Call
// loop.SetFileOpsManager(m) to wire it into the loop's tick.
func NewManager(loop *loom.EventLoop) *Manager {
	return &Manager{loop: loop}
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
	if m.pending > 0 || len(m.ready) > 0 {
		return true
	}
	return len(m.watchers) > 0
}

// lockPath serializes writers to the same path when WriteOptions.Lock is
// set, returning an unlock function the caller defers.
func (m *Manager) lockPath(path string) func() {
	m.locksMu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	lk, ok := m.locks[path]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[path] = lk
	}
	m.locksMu.Unlock()

	lk.Lock()
	return lk.Unlock
}

func (m *Manager) track()           { m.mu.Lock(); m.pending++; m.mu.Unlock() }
func (m *Manager) enqueue(f func()) { m.mu.Lock(); m.ready = append(m.ready, f); m.pending--; m.mu.Unlock() }

// enqueueEvent queues a callback that was never counted by track() (watcher
// dispatch has no matching operation in flight), so it must not decrement
// pending — doing so could drive pending negative and mask a real op.
func (m *Manager) enqueueEvent(f func()) {
	m.mu.Lock()
	m.ready = append(m.ready, f)
	m.mu.Unlock()
}

func (m *Manager) submit(task func() error) *loom.CancellablePromise[struct{}] {
	result := loom.NewCancellable[struct{}](m.loop)
	m.track()
	go func() {
		err := task()
		m.enqueue(func() {
			if err != nil {
				result.Reject(&wrappedFileError{err})
				return
			}
			result.Resolve(struct{}{})
		})
	}()
	return result
}

type wrappedFileError struct{ err error }

func (e *wrappedFileError) Error() string { return e.err.Error() }
func (e *wrappedFileError) Unwrap() error { return e.err }

// Read reads the full file, or the byte range given by opts, into memory.
func (m *Manager) Read(path string, opts ReadOptions) *loom.CancellablePromise[[]byte] {
	result := loom.NewCancellable[[]byte](m.loop)
	m.track()
	go func() {
		data, err := readRange(path, opts)
		m.enqueue(func() {
			if err != nil {
				result.Reject(&wrappedFileError{err})
				return
			}
			result.Resolve(data)
		})
	}()
	return result
}

func readRange(path string, opts ReadOptions) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, 0); err != nil {
			return nil, err
		}
	}
	if opts.Length > 0 {
		buf := make([]byte, opts.Length)
		n, err := f.Read(buf)
		if err != nil && n == 0 {
			return nil, err
		}
		return buf[:n], nil
	}
	return io.ReadAll(f)
}

// Write writes data to path, honouring WriteOptions.CreateDirs and
// WriteOptions.Atomic (spec §4.7: atomic writes are crash-safe — the target
// either contains the prior content or the full new content, never a
// partial write).
func (m *Manager) Write(path string, data []byte, opts WriteOptions) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error {
		if opts.Lock {
			unlock := m.lockPath(path)
			defer unlock()
		}
		if opts.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
		}
		if opts.Atomic {
			return renameio.WriteFile(path, data, opts.mode())
		}
		return os.WriteFile(path, data, opts.mode())
	})
}

// Append appends data to path, creating it if absent.
func (m *Manager) Append(path string, data []byte, opts WriteOptions) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error {
		if opts.Lock {
			unlock := m.lockPath(path)
			defer unlock()
		}
		if opts.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, opts.mode())
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(data)
		return err
	})
}

// Stat returns os.FileInfo for path.
func (m *Manager) Stat(path string) *loom.CancellablePromise[os.FileInfo] {
	result := loom.NewCancellable[os.FileInfo](m.loop)
	m.track()
	go func() {
		info, err := os.Stat(path)
		m.enqueue(func() {
			if err != nil {
				result.Reject(&wrappedFileError{err})
				return
			}
			result.Resolve(info)
		})
	}()
	return result
}

// Exists reports whether path exists.
func (m *Manager) Exists(path string) *loom.CancellablePromise[bool] {
	result := loom.NewCancellable[bool](m.loop)
	m.track()
	go func() {
		_, err := os.Stat(path)
		m.enqueue(func() { result.Resolve(err == nil) })
	}()
	return result
}

// Delete removes path.
func (m *Manager) Delete(path string) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error { return os.Remove(path) })
}

// Copy copies src to dst.
func (m *Manager) Copy(src, dst string) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	})
}

// Rename renames src to dst.
func (m *Manager) Rename(src, dst string) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error { return os.Rename(src, dst) })
}

// Mkdir creates path, recursively if recursive is set.
func (m *Manager) Mkdir(path string, mode os.FileMode, recursive bool) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error {
		if mode == 0 {
			mode = 0o755
		}
		if recursive {
			return os.MkdirAll(path, mode)
		}
		return os.Mkdir(path, mode)
	})
}

// Rmdir removes the directory at path, recursively if recursive is set.
func (m *Manager) Rmdir(path string, recursive bool) *loom.CancellablePromise[struct{}] {
	return m.submit(func() error {
		if recursive {
			return os.RemoveAll(path)
		}
		return os.Remove(path)
	})
}

// List lists the entries of a directory.
func (m *Manager) List(path string) *loom.CancellablePromise[[]os.DirEntry] {
	result := loom.NewCancellable[[]os.DirEntry](m.loop)
	m.track()
	go func() {
		entries, err := os.ReadDir(path)
		m.enqueue(func() {
			if err != nil {
				result.Reject(&wrappedFileError{err})
				return
			}
			result.Resolve(entries)
		})
	}()
	return result
}

// registerWatcher and unregisterWatcher keep Pending() accurate while a
// Watcher (watch.go) is running.
func (m *Manager) registerWatcher(w *Watcher) {
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
}

func (m *Manager) unregisterWatcher(w *Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.watchers {
		if existing == w {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			return
		}
	}
}
