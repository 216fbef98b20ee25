package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle coalesces bursts of filesystem events (editors often
// write a file several times) into one reload.
const watchSettle = 500 * time.Millisecond

// Watcher reloads YAML config directories when their files change.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger
}

// NewWatcher creates a directory watcher.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fs: fs, logger: logger.With("component", "config-watch")}, nil
}

// Add watches a directory. Empty paths are ignored so callers can pass
// unset config dirs straight through.
func (w *Watcher) Add(dir string) error {
	if dir == "" {
		return nil
	}
	return w.fs.Add(dir)
}

// Run dispatches change notifications until ctx is cancelled. onChange
// receives the directory whose YAML content changed, after the settle
// delay.
func (w *Watcher) Run(ctx context.Context, onChange func(dir string)) {
	pending := make(map[string]struct{})
	var settle *time.Timer
	var settleC <-chan time.Time

	flush := func() {
		for dir := range pending {
			delete(pending, dir)
			w.logger.Info("config changed, reloading", "dir", dir)
			onChange(dir)
		}
		settleC = nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = w.fs.Close()
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[filepath.Dir(event.Name)] = struct{}{}
			if settle == nil {
				settle = time.NewTimer(watchSettle)
			} else {
				settle.Reset(watchSettle)
			}
			settleC = settle.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-settleC:
			flush()
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
