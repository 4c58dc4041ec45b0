package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rescanDelay debounces bursts of file events into one rescan.
const rescanDelay = 200 * time.Millisecond

// RescanCallback is called after each watcher-driven rescan with the new
// template count.
type RescanCallback func(templates int)

// Watch starts an fsnotify watcher on the template root and rescans the
// index after template files change, until ctx is cancelled.
//
// New directories created at runtime are added to the watch list. Events
// are debounced so an editor save or a git checkout triggers one rescan.
func Watch(ctx context.Context, idx *Index, logger *slog.Logger, cb RescanCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, idx.Root()); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", idx.Root()))

	var rescanTimer *time.Timer
	var rescanCh <-chan time.Time

	scheduleRescan := func() {
		if rescanTimer == nil {
			rescanTimer = time.NewTimer(rescanDelay)
			rescanCh = rescanTimer.C
		} else {
			rescanTimer.Reset(rescanDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if rescanTimer != nil {
				rescanTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-rescanCh:
			if err := idx.Rescan(); err != nil {
				logger.Warn("watcher: rescan failed", slog.String("error", err.Error()))
				continue
			}
			if cb != nil {
				cb(len(idx.All()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", ev.Name))
					}
					// The directory may already hold templates.
					scheduleRescan()
					continue
				}
			}

			// Removing or renaming a directory removes every template in it,
			// so those events count regardless of extension.
			if !strings.HasSuffix(ev.Name, idx.ext) && ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("watcher: change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			scheduleRescan()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
