package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches a rule pack file and swaps the engine's namespace
// when it changes. A pack that fails to load leaves the previous
// namespace in place.
type Reloader struct {
	watcher *fsnotify.Watcher
	loader  *Loader
	engine  *Engine
	path    string
	logger  *slog.Logger
}

// NewReloader creates a file watcher for the rule pack at path.
func NewReloader(loader *Loader, engine *Engine, path string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("rule pack %q: %w", path, err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		watcher: watcher,
		loader:  loader,
		engine:  engine,
		path:    path,
		logger:  logger,
	}, nil
}

// Reload loads the pack and swaps it in if valid.
func (r *Reloader) Reload() error {
	ns, err := r.loader.LoadFile(r.path)
	if err != nil {
		return err
	}
	r.engine.Swap(ns)
	return nil
}

// Run watches for file changes and reloads the pack. Blocks until ctx
// is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after the last write before reloading.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.Reload(); err != nil {
						r.logger.Error("rule pack hot-reload failed; keeping previous namespace",
							"path", r.path, "error", err)
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", "error", err)
		}
	}
}
