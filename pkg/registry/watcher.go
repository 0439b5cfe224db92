// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hivematrix/nexus/pkg/logger"
)

// debounceInterval coalesces the burst of events editors and
// configuration management emit for a single logical file change.
const debounceInterval = 500 * time.Millisecond

// Watch reloads the registry whenever its backing file changes. It
// watches the containing directory rather than the file itself because
// most writers replace the file by rename, which would silently drop a
// direct watch. Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	logger.Debugw("watching registry file", "path", r.path)

	target := filepath.Clean(r.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceInterval, func() {
				if err := r.Load(); err != nil {
					logger.Errorw("registry reload failed, keeping previous snapshot",
						"error", err.Error(),
					)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorw("registry watcher error", "error", err.Error())
		}
	}
}
