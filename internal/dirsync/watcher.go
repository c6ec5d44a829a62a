package dirsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches directory trees and calls a trigger once the trees
// have been quiet for the debounce period after a change.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a Watcher for dirs. A non-positive debounce uses
// two seconds.
func NewWatcher(dirs []string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		dirs:     dirs,
		debounce: debounce,
		logger:   logger,
	}
}

// Watch blocks until ctx is cancelled, calling trigger after each burst
// of changes. trigger runs on the watch goroutine, so two triggers never
// overlap; changes made while it runs cause one more call afterwards.
func (w *Watcher) Watch(ctx context.Context, trigger func(context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	for _, dir := range w.dirs {
		if err := w.addRecursive(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		w.logger.Info("watching directory", slog.String("dir", dir))
	}

	var lastChange time.Time

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if shouldIgnore(event.Name) {
				continue
			}

			// New directories need their own watch.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("watching new directory", slog.String("dir", event.Name), slog.String("error", err.Error()))
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			w.logger.Debug("change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			lastChange = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if lastChange.IsZero() || time.Since(lastChange) < w.debounce {
				continue
			}
			lastChange = time.Time{}
			trigger(ctx)
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// shouldIgnore filters editor swap and backup files, which change far
// more often than the files they shadow.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") ||
		strings.HasPrefix(base, ".#")
}
