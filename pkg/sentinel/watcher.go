// Package sentinel watches the maintenance sentinel file's directory with
// fsnotify, so a toggle takes effect immediately instead of waiting for the
// admission loop's next per-tick stat (spec.md's fallback, kept regardless
// -- see DESIGN.md).
package sentinel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher notifies a callback whenever the sentinel file's existence
// changes, by watching its parent directory for create/remove/rename.
type Watcher struct {
	path   string
	logger *logrus.Entry
}

// New constructs a Watcher for the sentinel file at path.
func New(path string, logger *logrus.Entry) *Watcher {
	return &Watcher{path: path, logger: logger}
}

// Watch blocks until ctx is canceled, invoking onChange(true) when the
// sentinel file appears and onChange(false) when it disappears. Errors
// setting up the watch are returned; errors from individual fsnotify
// events are logged and otherwise ignored, matching the per-tick stat's
// own best-effort fallback.
func (w *Watcher) Watch(ctx context.Context, onChange func(exists bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Base(event.Name) != base {
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			_, err := os.Stat(w.path)
			onChange(err == nil)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.WithError(err).Warn("sentinel watcher error")
		}
	}
}
