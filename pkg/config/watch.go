package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// DefaultWatchDebounce coalesces bursts of editor writes.
const DefaultWatchDebounce = 200 * time.Millisecond

// ReloadFunc receives the result of every reload. loadErr is set when a
// source could not be decoded; errs are config errors of the merged flow.
type ReloadFunc func(flow *model.Flow, errs []error, loadErr error)

// Watcher reloads the configuration when a source file changes.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher over the loader's config files.
func NewWatcher(loader *Loader, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		debounce: DefaultWatchDebounce,
	}
}

// Run calls fn once immediately and again after every change, until ctx
// is cancelled. Parent directories are watched so that editors that
// replace files by rename are seen.
func (w *Watcher) Run(ctx context.Context, fn ReloadFunc) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range w.loader.Paths().ConfigFiles {
		files[filepath.Clean(f)] = true
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	var mu sync.Mutex
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		flow, errs, loadErr := w.loader.LoadFinal()
		fn(flow, errs, loadErr)
	}
	reload()

	w.logger.Info().Int("files", len(files)).Msg("Watching configuration")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Config file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() == nil {
					reload()
				}
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}
