package watchdog

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RequestStop creates the stop sentinel. A running watchdog notices it at its
// next suspension point, stops the child and removes the file.
func RequestStop(path string) error {
	if path == "" {
		return errors.New("no stop file configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("stop\n"), 0o644)
}

func sentinelPresent(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func consumeSentinel(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remove stop file", "path", path, "error", err)
	}
}

// watchSentinel delivers a wake-up on wake whenever the stop file's directory
// changes. Polling remains the source of truth; a watcher that cannot be set
// up only costs latency.
func watchSentinel(ctx context.Context, path string, wake chan<- struct{}) {
	if path == "" {
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		slog.Debug("stop file watcher disabled", "error", err)
		return
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("stop file watcher disabled", "error", err)
		return
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		slog.Debug("stop file watcher disabled", "dir", dir, "error", err)
		return
	}
	base := filepath.Base(path)
	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Debug("stop file watcher error", "error", err)
			}
		}
	}()
}
