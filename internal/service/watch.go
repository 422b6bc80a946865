package service

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tech4242/aquaman/internal/log"
)

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever the user services file changes.
// It watches the parent directory so atomic-save editors (write temp,
// rename over) are seen. Watch returns once ctx is done; a registry with
// no user file is a no-op.
func (r *Registry) Watch(ctx context.Context) error {
	if r.userPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("cannot create services file watcher, live reload disabled", "error", err)
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()

	dir := filepath.Dir(r.userPath)
	if err := watcher.Add(dir); err != nil {
		// Missing directory just means no user file yet; live reload
		// is disabled rather than failing the daemon.
		log.Warn("cannot watch services directory, live reload disabled", "dir", dir, "error", err)
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.userPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("services file watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			log.Info("user services file changed, reloading registry", "path", r.userPath)
			r.Reload()
		}
	}
}
