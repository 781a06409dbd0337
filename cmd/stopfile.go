package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// stopPollInterval also catches stop files on filesystems that do not
// deliver inotify events.
const stopPollInterval = 2 * time.Second

// clearStopFile removes a stop file left over from an earlier run so it does
// not cancel this one.
func clearStopFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func stopFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// watchStopFile calls cancel once path is created or touched. It returns when
// the stop file is seen or ctx is done.
func watchStopFile(ctx context.Context, path string, cancel context.CancelFunc, logger *slog.Logger) {
	path = filepath.Clean(path)
	stop := func(how string) {
		logger.Info("")
		logger.Info(fmt.Sprintf("🛑 Stop file %s %s, cancelling run...", path, how))
		cancel()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Debug(fmt.Sprintf("Failed to create stop file directory: %v", err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to create file watcher, falling back to polling: %v", err))
		pollStopFile(ctx, path, stop)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Debug(fmt.Sprintf("Failed to watch %s, falling back to polling: %v", filepath.Dir(path), err))
		pollStopFile(ctx, path, stop)
		return
	}

	// The file may have appeared before the watch was in place.
	if stopFileExists(path) {
		stop("found")
		return
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				pollStopFile(ctx, path, stop)
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
				stop("touched")
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				pollStopFile(ctx, path, stop)
				return
			}
			logger.Debug(fmt.Sprintf("Stop file watcher error: %v", err))
		case <-ticker.C:
			if stopFileExists(path) {
				stop("found")
				return
			}
		}
	}
}

func pollStopFile(ctx context.Context, path string, stop func(string)) {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		if stopFileExists(path) {
			stop("found")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
