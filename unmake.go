// unmake.go: release dispatch for registrations produced by a plugin
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"fmt"
)

// releaseAll hands every live registration of h back to the plugin.
//
// Dispatch rule:
//  1. the ownership tag is re-validated first;
//  2. the aggregate unmaker is used when it exists and nothing was released yet;
//  3. otherwise plugin-owned arrays use each element's factory unmaker;
//  4. otherwise every element needs a per-type (or legacy) unmaker symbol,
//     and all of them are resolved before the first one is called.
//
// A registration is marked released only after its unmaker returned, so a
// failed release can be retried without double-freeing the others.
func (m *Manager) releaseAll(h *PluginHandle) error {
	if err := h.array.validate(); err != nil {
		return err
	}
	live := h.array.Live()
	if len(live) == 0 {
		return nil
	}

	if h.aggregateUnmaker != nil && h.array.allLive() {
		var callErr error
		if err := m.guard("aggregate_unmaker", func() { callErr = h.aggregateUnmaker(h.array) }); err != nil {
			return err
		}
		if callErr != nil {
			return callErr
		}
		for _, reg := range live {
			reg.released = true
		}
		m.logger.Debug("Registrations released by aggregate unmaker",
			"path", h.path, "count", len(live))
		return nil
	}

	unmakers := make([]UnmakerFunc, 0, len(live))
	for i := 0; i < h.array.Len(); i++ {
		reg := h.array.At(i)
		if reg.released {
			continue
		}
		fn, err := m.elementUnmaker(h, i)
		if err != nil {
			return err
		}
		unmakers = append(unmakers, fn)
	}

	for i, reg := range live {
		if err := m.releaseWith(reg, unmakers[i]); err != nil {
			return err
		}
	}
	m.logger.Debug("Registrations released individually",
		"path", h.path, "count", len(live), "owner", h.array.Owner().String())
	return nil
}

// releaseOne releases the registration at index through its per-element unmaker.
func (m *Manager) releaseOne(h *PluginHandle, index int) error {
	if err := h.array.validate(); err != nil {
		return err
	}
	reg := h.array.At(index)
	if reg == nil || reg.released {
		return NewRegistrationNotFoundError(h.path, index)
	}
	fn, err := m.elementUnmaker(h, index)
	if err != nil {
		return err
	}
	return m.releaseWith(reg, fn)
}

func (m *Manager) releaseWith(reg *Registration, fn UnmakerFunc) error {
	var callErr error
	if err := m.guard("unmaker", func() { callErr = fn(reg) }); err != nil {
		return err
	}
	if callErr != nil {
		return callErr
	}
	reg.released = true
	return nil
}

// elementUnmaker finds the unmaker of element i: its factory for plugin-owned
// arrays, otherwise the per-type symbol and then the legacy one.
func (m *Manager) elementUnmaker(h *PluginHandle, i int) (UnmakerFunc, error) {
	if fn := h.array.factory(i); fn != nil {
		return fn, nil
	}
	reg := h.array.At(i)

	candidates := make([]string, 0, 2)
	if validateIdentifier(reg.TypeName) == nil {
		candidates = append(candidates, UnmakerSymbol(h.capability, reg.TypeName))
	}
	candidates = append(candidates, LegacyUnmakerSymbol(h.capability))

	for _, symbol := range candidates {
		var fn UnmakerFunc
		found, err := resolveOptional(h.lib, symbol, &fn)
		if err != nil {
			return nil, err
		}
		if found {
			return fn, nil
		}
	}
	return nil, NewSymbolNotFoundError(h.path, candidates).
		WithContext("reason", fmt.Sprintf("no unmaker for registration %d (%s)", i, reg.TypeName))
}
