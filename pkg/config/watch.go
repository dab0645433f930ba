package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// WatchDebounce is how long Watch waits for further events before calling
// back, so an editor's write-then-rename produces one callback.
var WatchDebounce = 300 * time.Millisecond

// Watch calls onChange whenever one of the files in paths is written,
// created or renamed into place. It blocks until ctx is done. Callbacks run
// one at a time on the watching goroutine.
func Watch(ctx context.Context, paths []string, onChange func()) error {
	logger := telemetry.FromContext(ctx).NewComponentLogger("config.watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Directories are watched rather than files: editors often replace a
	// file by renaming a new one over it, which drops a file watch.
	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	logger.Infof("watching %d configuration documents", len(targets))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debugf("%s: %s", event.Op, event.Name)

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(WatchDebounce)
			pending = timer.C

		case <-pending:
			pending = nil
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("watcher error")
		}
	}
}
