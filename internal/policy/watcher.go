package policy

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OnReload is invoked after a successful hot-reload with the previous and
// new policy values.
type OnReload func(old, new Policy)

// Watcher monitors the policy file for changes and reloads the Store
// automatically. Watches the containing directory, since editors
// rewrite via create+rename rather than in-place write, and debounces
// bursts of events.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filePath  string
	store     *Store
	logger    *slog.Logger

	mu        sync.Mutex
	callbacks []OnReload
	done      chan struct{}
}

// Watch starts watching path and reloading store into it.
func Watch(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("policy watcher: path must not be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: creating fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("policy watcher: watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		filePath:  absPath,
		store:     store,
		logger:    logger,
		done:      make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	const debounce = 150 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}

			relevant := event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
			if !relevant {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	old := w.store.Get()

	next, err := Load(w.filePath)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous policy",
			slog.String("path", w.filePath), slog.Any("error", err))
		return
	}

	w.store.Set(next)
	w.logger.Info("policy reloaded", slog.String("path", w.filePath))

	w.mu.Lock()
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("policy reload callback panicked", slog.Any("panic", r))
				}
			}()
			cb(old, next)
		}()
	}
}
