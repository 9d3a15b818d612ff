// watcher.go: debounced plugin directory watcher
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/fsnotify/fsnotify"
)

// dirWatcher turns raw filesystem events on a plugin directory into
// debounced WatchNotifications. It never touches a Manager and never runs
// plugin code, so it may live on any goroutine.
type dirWatcher struct {
	dir      string
	opts     WatchOptions
	logger   Logger
	fs       *fsnotify.Watcher
	matcher  *pathMatcher
	debounce *debouncer

	// known holds the matching files present the last time each was
	// classified; it decides between discovered, replaced and removed.
	known map[string]struct{}
	dirs  map[string]struct{}
}

// newDirWatcher starts watching dir and returns the matching files already
// present, in lexical order.
func newDirWatcher(dir string, opts WatchOptions, logger Logger) (*dirWatcher, []string, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	matcher, err := newPathMatcher(opts.Patterns)
	if err != nil {
		return nil, nil, err
	}
	dir = filepath.Clean(dir)
	if !isDir(dir) {
		return nil, nil, NewWatcherError(dir, fmt.Errorf("not a directory"))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, NewWatcherError(dir, err)
	}
	w := &dirWatcher{
		dir:      dir,
		opts:     opts,
		logger:   logger.With("watch_dir", dir),
		fs:       fsw,
		matcher:  matcher,
		debounce: newDebouncer(opts.Debounce, timecache.CachedTime),
		known:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
	}

	if err := w.addTree(dir); err != nil {
		_ = fsw.Close()
		return nil, nil, NewWatcherError(dir, err)
	}
	existing, err := matcher.scan(dir, opts.Recursive)
	if err != nil {
		_ = fsw.Close()
		return nil, nil, NewWatcherError(dir, err)
	}
	for _, p := range existing {
		w.known[p] = struct{}{}
	}
	w.logger.Debug("Plugin directory watch started",
		"recursive", opts.Recursive,
		"patterns", matcher.patterns,
		"existing", len(existing))
	return w, existing, nil
}

// addTree watches dir, and its subdirectories in recursive mode.
func (w *dirWatcher) addTree(dir string) error {
	dirs := []string{dir}
	if w.opts.Recursive {
		var err error
		if dirs, err = subdirs(dir); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		d = filepath.Clean(d)
		if _, ok := w.dirs[d]; ok {
			continue
		}
		if err := w.fs.Add(d); err != nil {
			return err
		}
		w.dirs[d] = struct{}{}
	}
	return nil
}

// observe feeds one raw event into the debouncer.
func (w *dirWatcher) observe(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	if ev.Has(fsnotify.Create) && w.opts.Recursive && isDir(path) {
		if err := w.addTree(path); err != nil {
			w.logger.Warn("Failed to watch new subdirectory", "path", path, "error", err)
			return
		}
		// Files may have landed before the watch was in place.
		files, err := w.matcher.scan(path, true)
		if err != nil {
			w.logger.Warn("Failed to scan new subdirectory", "path", path, "error", err)
			return
		}
		for _, f := range files {
			w.debounce.touch(f)
		}
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, ok := w.dirs[path]; ok {
			w.forgetTree(path)
			return
		}
	}

	if ev.Op == fsnotify.Chmod || !w.matcher.match(path) {
		return
	}
	w.debounce.touch(path)
}

// forgetTree drops a removed directory and schedules every known file below it.
func (w *dirWatcher) forgetTree(dir string) {
	prefix := dir + string(os.PathSeparator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
	for p := range w.known {
		if strings.HasPrefix(p, prefix) {
			w.debounce.touch(p)
		}
	}
}

// flush classifies every quiet path. Removals are reported before
// discoveries so a replaced library is unloaded before it is loaded again.
func (w *dirWatcher) flush() []WatchNotification {
	due := w.debounce.due()
	if len(due) == 0 {
		return nil
	}
	var removed, discovered []string
	for _, p := range due {
		_, known := w.known[p]
		exists := isRegularFile(p)
		switch {
		case exists && !known:
			w.known[p] = struct{}{}
			discovered = append(discovered, p)
		case exists && known:
			removed = append(removed, p)
			discovered = append(discovered, p)
		case !exists && known:
			delete(w.known, p)
			removed = append(removed, p)
		}
	}

	var out []WatchNotification
	if len(removed) > 0 {
		out = append(out, WatchNotification{Kind: WatchRemoved, Paths: removed})
	}
	if len(discovered) > 0 {
		out = append(out, WatchNotification{Kind: WatchDiscovered, Paths: discovered})
	}
	return out
}

// run pumps events until ctx is done, stop is closed, or emit returns false.
// Paths still inside their debounce window when it returns are dropped.
func (w *dirWatcher) run(ctx context.Context, stop <-chan struct{}, emit func(WatchNotification) bool) error {
	ticker := time.NewTicker(w.opts.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.observe(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Plugin directory watcher error", "error", err)
			if !emit(WatchNotification{Kind: WatchFailed, Err: NewWatcherError(w.dir, err)}) {
				return nil
			}
		case <-ticker.C:
			for _, n := range w.flush() {
				if !emit(n) {
					return nil
				}
			}
		}
	}
}

func (w *dirWatcher) close() error {
	if pending := w.debounce.len(); pending > 0 {
		w.logger.Debug("Dropping pending debounced paths", "count", pending)
	}
	w.debounce.reset()
	return w.fs.Close()
}
