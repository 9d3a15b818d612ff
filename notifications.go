// notifications.go: notification types exchanged between watcher, manager and caller
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

// WatchKind classifies a WatchNotification.
type WatchKind int

const (
	// WatchDiscovered carries paths of new or replaced libraries.
	WatchDiscovered WatchKind = iota
	// WatchRemoved carries paths of removed or replaced libraries.
	WatchRemoved
	// WatchFailed carries a watcher error.
	WatchFailed
)

func (k WatchKind) String() string {
	switch k {
	case WatchDiscovered:
		return "discovered"
	case WatchRemoved:
		return "removed"
	case WatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WatchNotification is what a watcher reports. It holds only paths, so it
// can be sent from the watcher goroutine to the manager's goroutine.
// A replaced file appears as a WatchRemoved batch followed by a
// WatchDiscovered batch for the same path.
type WatchNotification struct {
	Kind  WatchKind
	Paths []string
	Err   error
}

// NotificationKind classifies a ManagerNotification.
type NotificationKind int

const (
	NotificationEvent NotificationKind = iota
	NotificationUnloaded
	NotificationError
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationEvent:
		return "event"
	case NotificationUnloaded:
		return "unloaded"
	case NotificationError:
		return "error"
	default:
		return "unknown"
	}
}

// WatchEvent describes one discovered batch after the manager acted on it.
type WatchEvent struct {
	// Paths are the discovered paths, in lexical order.
	Paths []string

	// Handles of the libraries loaded from Paths. Empty when AutoLoad is off
	// or when Proxies are emitted instead.
	Handles []*PluginHandle

	// Proxies hold the capability's typed wrappers (for Greeter,
	// *GreeterProxy) when EmitProxies is set.
	Proxies []any

	// Results hold the per-path outcome when AutoLoad is on.
	Results []LoadResult
}

// Greeters returns the *GreeterProxy values among Proxies.
func (e *WatchEvent) Greeters() []*GreeterProxy {
	var out []*GreeterProxy
	for _, p := range e.Proxies {
		if g, ok := p.(*GreeterProxy); ok {
			out = append(out, g)
		}
	}
	return out
}

// ManagerNotification is produced on the manager's goroutine and handed to
// the caller's callback, one at a time and in order.
type ManagerNotification struct {
	Kind NotificationKind

	// Event is set for NotificationEvent.
	Event *WatchEvent

	// Path is set for NotificationUnloaded and, when known, NotificationError.
	Path string

	// Counter is the unmaker counter read before the library was closed.
	Counter uint64

	// Performed is false when the file disappeared but AutoUnload is off,
	// so the library is still loaded.
	Performed bool

	Err error
}
