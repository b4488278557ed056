package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the config file and emits on the returned channel after a
// debounced change. Editors that replace the file on save (vim, nano) show
// up as Create events, so both ops are watched. The watcher stops when ctx
// is canceled.
func Watch(ctx context.Context, path string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config watcher unavailable", "error", err)
		return reloadCh
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	// Watch the directory: atomic-save editors remove the watched inode.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		slog.Warn("cannot watch config directory", "path", abs, "error", err)
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		const debounce = 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != abs {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						slog.Info("config change detected", "file", event.Name)
						select {
						case reloadCh <- struct{}{}:
						default:
						}
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()

	return reloadCh
}
