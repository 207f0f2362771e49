package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher uses fsnotify to watch the loaded config file. On write it reloads
// the Loader and fires any registered callbacks so components can pick up new
// detection thresholds without a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	loader    *Loader
	callbacks []func(cfg *Config)
	mu        sync.Mutex // protects callbacks slice
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates a Watcher for the Loader's config file. The Loader must
// have loaded a file already.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsWatcher: fsw,
		loader:    loader,
		done:      make(chan struct{}),
		logger:    logger.With("component", "config.Watcher"),
	}

	// Watch the directory rather than the file: editors replace files on
	// save, which would otherwise drop the watch.
	if err := fsw.Add(filepath.Dir(loader.Path())); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(cfg *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts down the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.loader.Path() {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := w.loader.Reload(); err != nil {
				w.logger.Warn("config reload failed", "path", event.Name, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", event.Name)

			w.mu.Lock()
			cbs := make([]func(*Config), len(w.callbacks))
			copy(cbs, w.callbacks)
			w.mu.Unlock()

			cfg := w.loader.Get()
			for _, fn := range cbs {
				fn(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}
