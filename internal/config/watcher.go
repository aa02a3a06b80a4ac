package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/beacon/internal/observability"
)

// ReloadFunc receives the freshly loaded configuration after the watched
// file changes and passes validation.
type ReloadFunc func(Config)

// Watcher reloads the configuration file on change. It watches the
// file's directory rather than the file itself so editors that replace
// the file by rename keep triggering reloads. Events are debounced; a
// reload that fails to parse or validate is logged and discarded,
// keeping the last good configuration in effect.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onReload ReloadFunc
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = observability.ComponentLogger(logger, "config.watcher")
	}
}

// WithDebounce sets how long changes must settle before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WatchFile starts watching the configuration file at path and invokes
// onReload with each successfully loaded revision.
func WatchFile(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fsw:      fsw,
		onReload: onReload,
		debounce: 100 * time.Millisecond,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closeCh)
	err := w.fsw.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op.Has(fsnotify.Write) || evt.Op.Has(fsnotify.Create) {
				w.scheduleReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			observability.LogWarn(w.logger, "watch error", "error", err)
		}
	}
}

// scheduleReload debounces rapid write bursts into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		observability.LogWarn(w.logger, "reload rejected, keeping previous config",
			"path", w.path, "error", err)
		return
	}
	observability.LogInfo(w.logger, "config reloaded", "path", w.path)
	w.onReload(cfg)
}
