// Package watch implements the Hot-Reload Pipeline's file-watching half:
// a debounced, directory-level watch over a config file that drives a
// caller-supplied reload function.
package watch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

// defaultDebounce is the spec's default coalescing window.
const defaultDebounce = 500 * time.Millisecond

// Listener is invoked after a reload produces a config that differs from the
// last one observed. Listener failures are logged and do not stop the
// watcher.
type Listener func(previous, next *config.Resolved, diff config.Diff)

// Watcher watches the directory containing a config file and drives
// reload/diff/notify on debounced change events.
type Watcher struct {
	path     string
	dir      string
	filename string
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}

	mu          sync.Mutex
	timer       *time.Timer
	reloading   bool
	pending     bool
	lastResolved *config.Resolved
	lastStable  []byte
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the default 500ms debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New constructs a Watcher for path, loading it once up front so the first
// observed change is diffed against a known baseline.
func New(path string, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	initial, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading initial config %q: %w", path, err)
	}
	stable, err := marshalStable(initial)
	if err != nil {
		return nil, fmt.Errorf("stringifying initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("watching directory %q: %w", dir, err)
	}

	w := &Watcher{
		path:         path,
		dir:          dir,
		filename:     filepath.Base(path),
		debounce:     defaultDebounce,
		logger:       logger,
		fsWatcher:    fsWatcher,
		done:         make(chan struct{}),
		lastResolved: initial,
		lastStable:   stable,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching in the background. listener is called once per
// debounced change whose resolved config actually differs from the last
// known one. Start returns immediately; call Close to stop.
func (w *Watcher) Start(listener Listener) {
	go w.run(listener)
}

func (w *Watcher) run(listener Listener) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.filename {
				continue
			}
			w.scheduleReload(listener)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// scheduleReload arms or re-arms the debounce timer. Concurrent triggers
// within the debounce window coalesce into a single reload, satisfying
// invariant #10.
func (w *Watcher) scheduleReload(listener Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.triggerReload(listener)
	})
}

// triggerReload runs one reload pass, coalescing a reload requested while
// one is already in flight into exactly one follow-up pass.
func (w *Watcher) triggerReload(listener Listener) {
	w.mu.Lock()
	if w.reloading {
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.reloading = true
	w.mu.Unlock()

	w.reloadOnce(listener)

	w.mu.Lock()
	w.reloading = false
	runAgain := w.pending
	w.pending = false
	w.mu.Unlock()

	if runAgain {
		w.triggerReload(listener)
	}
}

func (w *Watcher) reloadOnce(listener Listener) {
	next, err := config.Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	stable, err := marshalStable(next)
	if err != nil {
		w.logger.Warn("failed to stringify reloaded config", "error", err)
		return
	}

	w.mu.Lock()
	if bytes.Equal(stable, w.lastStable) {
		w.mu.Unlock()
		return
	}
	previous := w.lastResolved
	w.lastResolved = next
	w.lastStable = stable
	w.mu.Unlock()

	diff := config.Compare(previous, next)
	if diff.IsEmpty() {
		return
	}

	w.callListener(listener, previous, next, diff)
}

// callListener isolates a panicking or misbehaving listener from the watch
// loop itself.
func (w *Watcher) callListener(listener Listener, previous, next *config.Resolved, diff config.Diff) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config watcher listener panicked", "panic", r)
		}
	}()
	listener(previous, next, diff)
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	<-w.done
	return err
}

// marshalStable produces a key-sorted JSON encoding for stable comparison,
// relying on encoding/json's default alphabetical map-key ordering.
func marshalStable(v any) ([]byte, error) {
	return json.Marshal(v)
}
