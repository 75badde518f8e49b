package schema

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher invalidates a Registry cache whenever the schema file changes on disk.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	target   string
	logger   zerolog.Logger
}

// NewWatcher subscribes to the directory holding the schema file. Watching the
// directory catches editors that replace the file instead of writing in place.
func NewWatcher(registry *Registry, logger zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	target, err := filepath.Abs(registry.Path())
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch schema dir: %w", err)
	}
	return &Watcher{
		registry: registry,
		watcher:  w,
		target:   target,
		logger:   logger.With().Str("component", "schema_watcher").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.matches(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.registry.Invalidate()
				w.logger.Info().Str("op", event.Op.String()).Msg("schema file changed; cache invalidated")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("schema watcher error")
		}
	}
}

func (w *Watcher) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	return abs == w.target
}
