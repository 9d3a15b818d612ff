// debounce.go: per-path quiescence tracking for filesystem events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"sort"
	"time"
)

// debouncer remembers, per path, when the last event was seen. A path is
// due once no event arrived for the whole window, so a burst of events on
// one path yields a single entry. Not safe for concurrent use.
type debouncer struct {
	window  time.Duration
	now     func() time.Time
	pending map[string]time.Time
}

func newDebouncer(window time.Duration, now func() time.Time) *debouncer {
	return &debouncer{
		window:  window,
		now:     now,
		pending: make(map[string]time.Time),
	}
}

// touch records an event for path, restarting its quiet period.
func (d *debouncer) touch(path string) {
	d.pending[path] = d.now()
}

// due removes and returns, in lexical order, the paths whose quiet period
// has elapsed.
func (d *debouncer) due() []string {
	now := d.now()
	var out []string
	for path, last := range d.pending {
		if now.Sub(last) >= d.window {
			out = append(out, path)
		}
	}
	for _, path := range out {
		delete(d.pending, path)
	}
	sort.Strings(out)
	return out
}

// len returns the number of paths still waiting.
func (d *debouncer) len() int {
	return len(d.pending)
}

// reset drops every pending path.
func (d *debouncer) reset() {
	clear(d.pending)
}
