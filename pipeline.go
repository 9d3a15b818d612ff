// pipeline.go: watch sessions and the notification pipeline into the manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"context"
	"runtime"
	"sync"
)

// WatchAndLoadBlocking watches dir and acts on every debounced batch on the
// calling goroutine, which must own the manager. The goroutine is locked to
// its OS thread for the duration so plugin code always runs on one thread.
//
// It returns nil when callback returns false and ctx.Err() when ctx ends.
func (m *Manager) WatchAndLoadBlocking(ctx context.Context, dir string, c Capability, opts WatchOptions, callback func(ManagerNotification) bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w, existing, err := newDirWatcher(dir, opts, m.logger)
	if err != nil {
		return err
	}
	defer w.close()

	emit := func(n WatchNotification) bool {
		return m.handleWatchNotification(ctx, n, c, opts, callback)
	}
	if opts.LoadExisting && len(existing) > 0 {
		if !emit(WatchNotification{Kind: WatchDiscovered, Paths: existing}) {
			return nil
		}
	}
	return w.run(ctx, nil, emit)
}

// WatchSession is a watcher running on its own goroutine. It only detects
// and debounces; its notifications must be handed to the manager's
// goroutine, typically with ProcessWatchNotificationsBlocking.
type WatchSession struct {
	notifications chan WatchNotification
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
	err           error
}

// Notifications is closed when the session ends.
func (s *WatchSession) Notifications() <-chan WatchNotification {
	return s.notifications
}

// Stop ends the session. Pending debounced paths are dropped. Safe to call
// more than once and from any goroutine.
func (s *WatchSession) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the watcher goroutine has exited.
func (s *WatchSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the watcher goroutine exits and returns its error.
func (s *WatchSession) Wait() error {
	<-s.done
	return s.err
}

// StartWatchBackground starts watching dir on a new goroutine.
//
//	session, err := manager.StartWatchBackground(dir, opts)
//	if err != nil {
//	    return err
//	}
//	defer session.Wait()
//	defer session.Stop()
//	return manager.ProcessWatchNotificationsBlocking(ctx, dir, session.Notifications(), CapabilityGreeter, opts, callback)
func (m *Manager) StartWatchBackground(dir string, opts WatchOptions) (*WatchSession, error) {
	w, existing, err := newDirWatcher(dir, opts, m.logger)
	if err != nil {
		return nil, err
	}
	s := &WatchSession{
		notifications: make(chan WatchNotification, opts.BufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	logger := m.logger

	go func() {
		defer close(s.done)
		defer close(s.notifications)
		defer func() {
			if err := w.close(); err != nil {
				logger.Warn("Failed to close plugin directory watcher", "error", err)
			}
		}()
		defer withCustomRecoveryHandler(func(recovered any, stack []byte) {
			logger.Error("Panic recovered in plugin directory watcher", "panic", recovered, "stack", string(stack))
			s.err = NewBoundaryPanicError("watch_session", recovered, stack)
		})()

		emit := func(n WatchNotification) bool {
			select {
			case s.notifications <- n:
				return true
			case <-s.stop:
				return false
			}
		}
		if opts.LoadExisting && len(existing) > 0 {
			if !emit(WatchNotification{Kind: WatchDiscovered, Paths: existing}) {
				return
			}
		}
		s.err = w.run(context.Background(), s.stop, emit)
	}()
	return s, nil
}

// ProcessWatchNotificationsBlocking consumes notifications from rx on the
// calling goroutine, which must own the manager, and applies them according
// to opts. It returns nil when rx is closed or callback returns false, and
// ctx.Err() when ctx ends.
func (m *Manager) ProcessWatchNotificationsBlocking(ctx context.Context, dir string, rx <-chan WatchNotification, c Capability, opts WatchOptions, callback func(ManagerNotification) bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.logger.Debug("Processing watch notifications", "watch_dir", dir, "capability", c.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-rx:
			if !ok {
				return nil
			}
			if !m.handleWatchNotification(ctx, n, c, opts, callback) {
				return nil
			}
		}
	}
}

// handleWatchNotification applies one batch and reports the outcome. It
// returns false as soon as callback does.
func (m *Manager) handleWatchNotification(ctx context.Context, n WatchNotification, c Capability, opts WatchOptions, callback func(ManagerNotification) bool) bool {
	m.metrics.IncrementCounter(MetricWatchBatchesTotal, map[string]string{"kind": n.Kind.String()}, 1)

	switch n.Kind {
	case WatchFailed:
		return callback(ManagerNotification{Kind: NotificationError, Err: n.Err})

	case WatchRemoved:
		for _, p := range n.Paths {
			if !opts.AutoUnload {
				if !callback(ManagerNotification{Kind: NotificationUnloaded, Path: p}) {
					return false
				}
				continue
			}
			counter, err := m.UnloadByPath(ctx, p)
			if err != nil {
				if !callback(ManagerNotification{Kind: NotificationError, Path: p, Err: err}) {
					return false
				}
				continue
			}
			if !callback(ManagerNotification{Kind: NotificationUnloaded, Path: p, Counter: counter, Performed: true}) {
				return false
			}
		}
		return true

	case WatchDiscovered:
		ev := &WatchEvent{Paths: n.Paths}
		if !opts.AutoLoad {
			return callback(ManagerNotification{Kind: NotificationEvent, Event: ev})
		}

		ev.Results = m.loadForWatch(ctx, n.Paths, c, opts)
		var failed []LoadResult
		for _, r := range ev.Results {
			if r.Err != nil {
				failed = append(failed, r)
				continue
			}
			ev.Handles = append(ev.Handles, r.Handle)
		}
		if opts.EmitProxies && HasTypedWrapper(c) {
			for _, h := range ev.Handles {
				proxies, _, err := h.proxies()
				if err != nil {
					failed = append(failed, LoadResult{Path: h.Path(), Handle: h, Err: err})
					continue
				}
				ev.Proxies = append(ev.Proxies, proxies...)
			}
			ev.Handles = nil
		}

		if !callback(ManagerNotification{Kind: NotificationEvent, Event: ev}) {
			return false
		}
		for _, r := range failed {
			if !callback(ManagerNotification{Kind: NotificationError, Path: r.Path, Err: r.Err}) {
				return false
			}
		}
		return true

	default:
		return true
	}
}

// loadForWatch loads with the session's open retry policy.
func (m *Manager) loadForWatch(ctx context.Context, paths []string, c Capability, opts WatchOptions) []LoadResult {
	if opts.OpenRetries <= 0 {
		return m.LoadPlugins(ctx, paths, c)
	}
	savedRetries, savedDelay := m.openRetries, m.openRetryDelay
	WithOpenRetry(opts.OpenRetries, opts.OpenRetryDelay)(m)
	defer func() {
		m.openRetries, m.openRetryDelay = savedRetries, savedDelay
	}()
	return m.LoadPlugins(ctx, paths, c)
}
