package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce interval for editors that write config files in several bursts.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the store whenever the main config file changes on disk and
// invokes onReload with each successfully applied snapshot. It blocks until
// ctx is cancelled. Reload failures keep the previous snapshot active.
func (s *Store) Watch(ctx context.Context, onReload func(*Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file: rename-and-replace writes
	// (the common atomic-save pattern) drop a watch on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(watchDebounce)
				pendingC = pending.C
			} else {
				pending.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Config watcher error", "error", err)
		case <-pendingC:
			pending = nil
			pendingC = nil
			snap, err := s.Reload()
			if err != nil {
				continue
			}
			if onReload != nil {
				onReload(snap)
			}
		}
	}
}
