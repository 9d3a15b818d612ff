// handle.go: loaded plugin handles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// PluginHandle is one loaded library together with the registrations it
// produced for a capability. It owns the obligation to release every
// registration before the library is closed, which only the Manager does.
type PluginHandle struct {
	id         ulid.ULID
	path       string
	capability Capability
	loadedAt   time.Time

	lib              Library
	array            *RegistrationArray
	aggregateUnmaker AggregateUnmakerFunc
	counter          CounterFunc
	counterBaseline  uint64
}

func (h *PluginHandle) ID() ulid.ULID          { return h.id }
func (h *PluginHandle) Path() string           { return h.path }
func (h *PluginHandle) Capability() Capability { return h.capability }
func (h *PluginHandle) LoadedAt() time.Time    { return h.loadedAt }

// Owner returns the ownership tag of the registration array.
func (h *PluginHandle) Owner() OwnershipTag {
	return h.array.Owner()
}

// Len returns the number of registrations the library produced.
func (h *PluginHandle) Len() int {
	return h.array.Len()
}

// Registration returns the i-th registration, nil when out of range.
func (h *PluginHandle) Registration(i int) *Registration {
	return h.array.At(i)
}

// Registrations returns the registrations that have not been released.
func (h *PluginHandle) Registrations() []*Registration {
	return h.array.Live()
}

// Greeters wraps every live registration in a GreeterProxy.
func (h *PluginHandle) Greeters() ([]*GreeterProxy, error) {
	live := h.array.Live()
	out := make([]*GreeterProxy, 0, len(live))
	for _, reg := range live {
		p, err := NewGreeterProxy(h.path, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// proxies builds the capability's typed wrappers for every live registration.
func (h *PluginHandle) proxies() ([]any, bool, error) {
	wrap, ok := typedWrappers[h.capability]
	if !ok {
		return nil, false, nil
	}
	live := h.array.Live()
	out := make([]any, 0, len(live))
	for _, reg := range live {
		p, err := wrap(h.path, reg)
		if err != nil {
			return nil, true, err
		}
		out = append(out, p)
	}
	return out, true, nil
}

// readCounter returns the number of unmaker invocations since this library
// instance was loaded. Libraries without a counter report zero.
func (h *PluginHandle) readCounter(guard guardFunc) (uint64, error) {
	if h.counter == nil {
		return 0, nil
	}
	var observed uint64
	if err := guard("unmaker_counter", func() { observed = h.counter() }); err != nil {
		return 0, err
	}
	if observed < h.counterBaseline {
		// The plugin reset its own state; trust the raw value.
		return observed, nil
	}
	return observed - h.counterBaseline, nil
}
