// watch_options.go: options of a directory watch session
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"time"
)

// WatchOptions configures a watch session. It is read once when the session
// starts and never changes afterwards.
type WatchOptions struct {
	// Debounce is the quiet period a path needs before it is reported.
	Debounce time.Duration `json:"debounce" yaml:"debounce"`

	// Recursive watches subdirectories, including ones created later.
	Recursive bool `json:"recursive" yaml:"recursive"`

	// AutoLoad loads discovered libraries.
	AutoLoad bool `json:"auto_load" yaml:"auto_load"`

	// AutoUnload unloads libraries whose file was removed or replaced.
	AutoUnload bool `json:"auto_unload" yaml:"auto_unload"`

	// EmitProxies reports typed wrappers (such as *GreeterProxy) instead of
	// handles when the capability has one.
	EmitProxies bool `json:"emit_proxies" yaml:"emit_proxies"`

	// Patterns are glob patterns matched against file base names.
	// Empty means DefaultPatterns().
	Patterns []string `json:"patterns" yaml:"patterns"`

	// LoadExisting reports the libraries already present when the session
	// starts as one discovered batch.
	LoadExisting bool `json:"load_existing" yaml:"load_existing"`

	// OpenRetries and OpenRetryDelay retry libraries the dynamic loader
	// rejects, typically because the file is still being written.
	OpenRetries    int           `json:"open_retries" yaml:"open_retries"`
	OpenRetryDelay time.Duration `json:"open_retry_delay" yaml:"open_retry_delay"`

	// BufferSize is the capacity of the background notification channel.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultWatchOptions returns the defaults: 300ms debounce, non-recursive,
// auto-load on, auto-unload off, handles rather than proxies.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{
		Debounce:       300 * time.Millisecond,
		AutoLoad:       true,
		OpenRetries:    3,
		OpenRetryDelay: DefaultOpenRetryDelay,
		BufferSize:     64,
	}
}

// Validate rejects negative durations and counts and uncompilable patterns.
func (o WatchOptions) Validate() error {
	if o.Debounce < 0 {
		return NewInvalidWatchOptionsError("debounce", "must not be negative")
	}
	if o.OpenRetries < 0 {
		return NewInvalidWatchOptionsError("open_retries", "must not be negative")
	}
	if o.OpenRetryDelay < 0 {
		return NewInvalidWatchOptionsError("open_retry_delay", "must not be negative")
	}
	if o.BufferSize < 0 {
		return NewInvalidWatchOptionsError("buffer_size", "must not be negative")
	}
	_, err := newPathMatcher(o.Patterns)
	return err
}

// tick is how often pending paths are checked for quiescence.
func (o WatchOptions) tick() time.Duration {
	t := o.Debounce / 4
	if t < 5*time.Millisecond {
		t = 5 * time.Millisecond
	}
	if t > 100*time.Millisecond {
		t = 100 * time.Millisecond
	}
	return t
}
