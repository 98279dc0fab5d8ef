package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces the event bursts editors produce when saving.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the file whenever it changes and hands the fresh Config to
// onChange. It watches the parent directory so editors that replace the
// file (rename over it) are still seen. A config that fails to load is
// logged and skipped; the previous one stays in effect.
//
// Watch blocks until ctx is canceled.
func Watch(ctx context.Context, path string, logger log.FieldLogger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %v", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %v", dir, err)
	}

	name := filepath.Base(path)
	var timer *time.Timer
	var timerC <-chan time.Time

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
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warnf("Ignoring config change: %v", err)
				continue
			}
			logger.Info("Configuration reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Config watcher error: %v", err)
		}
	}
}
