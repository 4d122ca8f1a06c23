package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Logger matches the runtime's Printf-style logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Watch reloads the config file whenever it changes on disk and hands
// every successfully validated reload to onChange. Invalid edits are
// logged and skipped; the previous configuration stays in effect. Watch
// blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file itself so that
// editors which rename-and-replace keep being observed.
func Watch(ctx context.Context, path string, logger Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				if logger != nil {
					logger.Printf("config reload skipped: %v", err)
				}
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("config watcher error: %v", err)
			}
		}
	}
}
