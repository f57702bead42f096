package fileops

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchEvent is one emitted filesystem change (spec §4.7 Watchers).
type WatchEvent struct {
	Path  string
	Event string // created | modified | deleted | moved | attributes
	Data  any
}

// WatchOptions mirror spec §6's watcher option keys.
type WatchOptions struct {
	Recursive       bool
	Debounce        time.Duration
	IncludePatterns []string
	ExcludePatterns []string
}

// Watcher is a registered path watcher (spec §3 File Watcher).
type Watcher struct {
	mgr     *Manager
	fsw     *fsnotify.Watcher
	opts    WatchOptions
	onEvent func(WatchEvent)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	closed  bool
}

type debounceEntry struct {
	timer *time.Timer
	event WatchEvent
}

// Watch registers a path watcher. Platform-native notification (fsnotify)
// drives change detection; matching events are debounced per-path within
// opts.Debounce and filtered by include/exclude glob patterns before
// reaching onEvent (spec §4.7 Watchers).
func (m *Manager) Watch(path string, opts WatchOptions, onEvent func(WatchEvent)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{mgr: m, fsw: fsw, opts: opts, onEvent: onEvent, pending: make(map[string]*debounceEntry)}

	if opts.Recursive {
		err = filepath.Walk(path, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil || info == nil || !info.IsDir() {
				return nil
			}
			return fsw.Add(p)
		})
		if err != nil {
			fsw.Close()
			return nil, err
		}
	} else if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	m.registerWatcher(w)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.matches(ev.Name) {
		return
	}
	kind := classify(ev.Op)
	we := WatchEvent{Path: ev.Name, Event: kind}

	if w.opts.Debounce <= 0 {
		w.mgr.enqueueEvent(func() { w.onEvent(we) })
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if existing, ok := w.pending[ev.Name]; ok {
		existing.event = we
		existing.timer.Reset(w.opts.Debounce)
		return
	}
	entry := &debounceEntry{event: we}
	entry.timer = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, ev.Name)
		w.mu.Unlock()
		w.mgr.enqueueEvent(func() { w.onEvent(entry.event) })
	})
	w.pending[ev.Name] = entry
}

func classify(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "created"
	case op&fsnotify.Remove != 0:
		return "deleted"
	case op&fsnotify.Rename != 0:
		return "moved"
	case op&fsnotify.Chmod != 0:
		return "attributes"
	default:
		return "modified"
	}
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if len(w.opts.ExcludePatterns) > 0 {
		for _, pat := range w.opts.ExcludePatterns {
			if ok, _ := filepath.Match(pat, base); ok {
				return false
			}
		}
	}
	if len(w.opts.IncludePatterns) == 0 {
		return true
	}
	for _, pat := range w.opts.IncludePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// Close stops the watcher and releases its fsnotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for _, entry := range w.pending {
		entry.timer.Stop()
	}
	w.pending = nil
	w.mu.Unlock()

	w.mgr.unregisterWatcher(w)
	return w.fsw.Close()
}
