package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor produces on save.
const watchDebounce = 250 * time.Millisecond

// Watch calls onChange whenever the file at path is written, created or
// renamed into place, until ctx is canceled. The parent directory is watched
// so replace-on-save editors are noticed too.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(target), err)
	}

	logger.Debug("watching config file", slog.String("path", target))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}

			timerC = timer.C

		case <-timerC:
			timerC = nil

			logger.Info("config file changed", slog.String("path", target))
			onChange()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
