// Package configwatch is Kiln's file-based hot-reload plumbing for the two
// optional file-backed config knobs: a directory of
// safety-profile override files and a declarative webhook-subscriptions
// file. The fsnotify.Watcher is added on the parent directory (fsnotify
// does not reliably watch a bare file across editors that replace-on-save),
// events are filtered down to the path of interest, and the reload fires on
// Write/Create.
package configwatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kiln-systems/kiln/internal/obslog"
)

// Watcher fires onChange whenever the file or directory at path is written
// to or a file is created inside it (for directories).
type Watcher struct {
	path     string
	isDir    bool
	watcher  *fsnotify.Watcher
	onChange func()
	onError  func(error)
	log      obslog.Logger
}

// New constructs a Watcher over path (a file or a directory) and adds the
// parent directory (or the directory itself) to the underlying fsnotify
// watch immediately, so callers can detect setup failure before Start.
func New(path string, isDir bool, onChange func(), onError func(error), log obslog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configwatch: create watcher: %w", err)
	}
	watchDir := path
	if !isDir {
		watchDir = filepath.Dir(path)
	}
	if err := w.Add(watchDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("configwatch: watch %s: %w", watchDir, err)
	}
	return &Watcher{path: path, isDir: isDir, watcher: w, onChange: onChange, onError: onError, log: log}, nil
}

// Start runs the event loop in the caller's goroutine until ctx is
// cancelled or Stop is called. Intended to be launched with `go`.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isDir && ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if w.log != nil {
				w.log.InfoCtx(ctx, "configwatch: reload triggered", "path", w.path, "event", ev.Op.String())
			}
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the underlying fsnotify watcher, unblocking Start.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
