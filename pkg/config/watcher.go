package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce window for editors that emit several events per save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the store whenever its definition file changes. It
// blocks until ctx is cancelled. The parent directory is watched rather
// than the file itself so that atomic rename-into-place saves are seen.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	s.logger.Info("watching stream config", zap.String("path", s.path))

	var timer *time.Timer
	var timerC <-chan time.Time

	target, err := filepath.Abs(s.path)
	if err != nil {
		target = s.path
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			// Reload failures keep the previous snapshot; already logged.
			_, _ = s.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("stream config watcher error", zap.Error(err))
		}
	}
}
