// registration.go: registration records and the ownership model of registration arrays
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"github.com/oklog/ulid/v2"
)

// VTable is the fixed-layout function table of one implementation type.
// The host reads a vtable but never mutates it.
type VTable interface {
	ABIVersion() uint32
	Capability() Capability
}

// RawVTable stands in for the vtable of a capability that has no typed
// decoder on the host. Only the leading version field is interpreted.
type RawVTable struct {
	Cap     Capability
	Version uint32
	Addr    uintptr
}

func (v RawVTable) ABIVersion() uint32     { return v.Version }
func (v RawVTable) Capability() Capability { return v.Cap }

// Registration is one capability implementation produced by a plugin maker.
// It stays valid until the matching unmaker has run; after that the host
// must not touch VTable again.
type Registration struct {
	ID         ulid.ULID
	Capability Capability
	TypeName   string
	VTable     VTable

	// Addr is the plugin-side address of the registration, passed back
	// to native unmakers. Zero for registrations built in Go.
	Addr uintptr

	released bool
}

// Released reports whether the registration has been handed back to its unmaker.
func (r *Registration) Released() bool {
	return r.released
}

// OwnershipTag tells which side framed a registration array.
type OwnershipTag int

const (
	// HostOwned arrays were assembled by the host from single-registration
	// makers. Elements are released by the per-type unmaker symbols.
	HostOwned OwnershipTag = iota

	// PluginOwned arrays came from an aggregate maker together with one
	// factory unmaker per element.
	PluginOwned
)

func (o OwnershipTag) String() string {
	if o == PluginOwned {
		return "plugin_owned"
	}
	return "host_owned"
}

// RegistrationArray is the ordered set of registrations a library produced
// for one capability, together with its ownership tag.
type RegistrationArray struct {
	registrations []*Registration
	factories     []UnmakerFunc

	// Addr is the plugin-side address of the array, zero when the host
	// framed it.
	Addr uintptr
}

// NewRegistrationArray frames registrations. A nil factories slice marks the
// array host-owned; otherwise it must hold exactly one non-nil unmaker per
// registration.
func NewRegistrationArray(registrations []*Registration, factories []UnmakerFunc) (*RegistrationArray, error) {
	arr := &RegistrationArray{
		registrations: registrations,
		factories:     factories,
	}
	if err := arr.validate(); err != nil {
		return nil, err
	}
	for _, reg := range registrations {
		if reg.ID == (ulid.ULID{}) {
			reg.ID = ulid.Make()
		}
	}
	return arr, nil
}

// validate checks the ownership tag. It runs at construction and again
// before any unmake.
func (a *RegistrationArray) validate() error {
	if a.factories != nil && len(a.factories) != len(a.registrations) {
		return NewOwnershipTagInvalidError(len(a.registrations), len(a.factories), "factory count differs from registration count")
	}
	for i, reg := range a.registrations {
		if reg == nil {
			return NewOwnershipTagInvalidError(len(a.registrations), len(a.factories), "nil registration")
		}
		if a.factories != nil && a.factories[i] == nil {
			return NewOwnershipTagInvalidError(len(a.registrations), len(a.factories), "nil factory unmaker")
		}
	}
	return nil
}

// Owner returns the ownership tag.
func (a *RegistrationArray) Owner() OwnershipTag {
	if a.factories != nil {
		return PluginOwned
	}
	return HostOwned
}

// Len returns the number of registrations, released or not.
func (a *RegistrationArray) Len() int {
	return len(a.registrations)
}

// At returns the i-th registration or nil when i is out of range.
func (a *RegistrationArray) At(i int) *Registration {
	if i < 0 || i >= len(a.registrations) {
		return nil
	}
	return a.registrations[i]
}

// Live returns the registrations that have not been released yet.
func (a *RegistrationArray) Live() []*Registration {
	out := make([]*Registration, 0, len(a.registrations))
	for _, reg := range a.registrations {
		if !reg.released {
			out = append(out, reg)
		}
	}
	return out
}

func (a *RegistrationArray) allLive() bool {
	for _, reg := range a.registrations {
		if reg.released {
			return false
		}
	}
	return true
}

// factory returns the factory unmaker of element i, nil for host-owned arrays.
func (a *RegistrationArray) factory(i int) UnmakerFunc {
	if a.factories == nil {
		return nil
	}
	return a.factories[i]
}
