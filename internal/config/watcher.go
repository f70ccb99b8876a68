package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the result of re-reading the config file. cfg is nil
// when the file could not be parsed; errs carries parse and validation errors.
type ReloadFunc func(cfg *Config, errs []error)

// ReloadOnChange returns a Watcher callback that re-reads the config file at
// path and hands the result to fn.
func ReloadOnChange(path string, fn ReloadFunc) func() {
	return func() {
		cfg, errs := Load(path)
		fn(cfg, errs)
	}
}

// Watcher runs a callback for each project file (dev server config, HTML
// template) that settles after a change. Each file is debounced on its own,
// so a burst of template saves does not delay a config reload.
type Watcher struct {
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	files map[string]func()
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a callback runs. Default is 300ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a Watcher with no files registered.
func NewWatcher(logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		logger:   logger,
		debounce: 300 * time.Millisecond,
		files:    make(map[string]func()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add registers fn for path, replacing any earlier callback. The file does
// not have to exist yet but its directory does. Call Add before Run.
func (w *Watcher) Add(path string, fn func()) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w.mu.Lock()
	w.files[filepath.Clean(path)] = fn
	w.mu.Unlock()
}

// Paths returns the registered files, sorted.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) callback(path string) (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn, ok := w.files[path]
	return fn, ok
}

// Run blocks until ctx is cancelled, then returns nil. Parent directories
// are watched rather than the files so editors that save by rename are seen.
// Callbacks run on the Run goroutine, one at a time, in path order.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	paths := w.Paths()
	dirs := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		dir := filepath.Dir(p)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return err
		}
		dirs[dir] = struct{}{}
	}

	var pendingMu sync.Mutex
	pending := make(map[string]struct{})
	timers := make(map[string]*time.Timer)
	fire := make(chan struct{}, 1)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if _, watched := w.callback(name); !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("watched file event", "op", ev.Op.String(), "path", name)
			if t := timers[name]; t != nil {
				t.Stop()
			}
			timers[name] = time.AfterFunc(w.debounce, func() {
				pendingMu.Lock()
				pending[name] = struct{}{}
				pendingMu.Unlock()
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			pendingMu.Lock()
			settled := make([]string, 0, len(pending))
			for p := range pending {
				settled = append(settled, p)
			}
			clear(pending)
			pendingMu.Unlock()
			sort.Strings(settled)

			for _, p := range settled {
				if fn, ok := w.callback(p); ok {
					w.logger.Debug("watched file settled", "path", p)
					fn()
				}
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}
