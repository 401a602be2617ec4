// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces rapid write events (editors often emit several
// per save) into a single reload.
const watchDebounce = 250 * time.Millisecond

// WatchPatterns hot-reloads the static pattern table when path changes.
//
// Description:
//
//	Starts an fsnotify watcher on path and reloads the PatternStore on
//	write/create events, debounced. Reload failures keep the previous
//	table active and are logged as warnings. Returns immediately; the
//	watcher goroutine exits when ctx is cancelled.
//
// Inputs:
//
//	ctx - Controls the watcher goroutine's lifetime. Must not be nil.
//	path - Pattern table YAML path. Empty disables watching (no-op).
//	store - The store to reload into. Must not be nil.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	error - Non-nil if the watcher could not be created or path could not
//	be watched. A running watcher never returns errors; it logs them.
func WatchPatterns(ctx context.Context, path string, store *PatternStore, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			if err := store.Reload(path); err != nil {
				logger.Warn("pattern reload failed, keeping previous table",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				return
			}
			logger.Info("pattern table reloaded", slog.String("path", path))
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("pattern watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
