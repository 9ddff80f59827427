package portable

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reimports the portable log whenever version control (or anything
// else) rewrites it on disk. It watches the parent directory rather than the
// file itself so the atomic rename done by Export and by git checkout is
// still observed.
type Watcher struct {
	path     string
	onChange func(context.Context) error
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the log at path. onChange runs after
// writes settle.
func NewWatcher(path string, onChange func(context.Context) error, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled. Bursts of events (git writes the file
// several times during a checkout) collapse into one reimport.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("watching portable log", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := w.onChange(ctx); err != nil {
				w.logger.Error("log reimport failed", "error", err)
				continue
			}
			w.logger.Info("portable log reimported", "path", w.path)
		}
	}
}
