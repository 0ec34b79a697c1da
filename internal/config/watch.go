package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mimic/internal/logging"
)

// Watch reloads the file whenever it changes and calls onChange with the
// new configuration. It blocks until ctx is cancelled. Reload failures keep
// the previous configuration and are logged, never fatal.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which drops a watch set on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Editors emit bursts of events per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
					return
				}
				if err := cfg.Validate(); err != nil {
					logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
					return
				}
				logging.Get(logging.CategoryBoot).Info("config reloaded from %s", path)
				onChange(cfg)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}
