// greeter.go: typed vtable and convenience proxy for the Greeter capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"fmt"
)

// GreeterVTable is the host view of a Greeter implementation. State is the
// opaque per-instance pointer the plugin passes back to every call.
type GreeterVTable struct {
	Version   uint32
	State     uintptr
	NameFunc  func(state uintptr) string
	GreetFunc func(state uintptr, target string)
	DropFunc  func(state uintptr)
}

func (v *GreeterVTable) ABIVersion() uint32     { return v.Version }
func (v *GreeterVTable) Capability() Capability { return CapabilityGreeter }

// GreeterProxy calls a Greeter registration through the boundary guard.
// It is valid only while the handle that produced it stays loaded; once the
// registration has been released every call returns an error.
type GreeterProxy struct {
	path string
	reg  *Registration
	vt   *GreeterVTable
}

// NewGreeterProxy wraps reg, which must carry a *GreeterVTable.
func NewGreeterProxy(path string, reg *Registration) (*GreeterProxy, error) {
	vt, ok := reg.VTable.(*GreeterVTable)
	if !ok {
		return nil, NewVTableInvalidError(path, reg.TypeName, "not a Greeter vtable").
			WithContext("vtable_type", fmt.Sprintf("%T", reg.VTable))
	}
	return &GreeterProxy{path: path, reg: reg, vt: vt}, nil
}

// Path returns the library the registration came from.
func (p *GreeterProxy) Path() string {
	return p.path
}

// TypeName returns the implementation type name recorded at load.
func (p *GreeterProxy) TypeName() string {
	return p.reg.TypeName
}

// Name asks the implementation for its display name.
func (p *GreeterProxy) Name() (string, error) {
	if err := p.usable(p.vt.NameFunc == nil, "name"); err != nil {
		return "", err
	}
	var name string
	err := guardCall("greeter.name", func() {
		name = p.vt.NameFunc(p.vt.State)
	})
	return name, err
}

// Greet asks the implementation to greet target.
func (p *GreeterProxy) Greet(target string) error {
	if err := p.usable(p.vt.GreetFunc == nil, "greet"); err != nil {
		return err
	}
	return guardCall("greeter.greet", func() {
		p.vt.GreetFunc(p.vt.State, target)
	})
}

func (p *GreeterProxy) usable(missing bool, slot string) error {
	if p.reg.Released() {
		return NewRegistrationNotFoundError(p.path, -1).WithContext("type_name", p.reg.TypeName)
	}
	if missing {
		return NewVTableInvalidError(p.path, p.reg.TypeName, "missing "+slot+" entry").
			WithContext("slot", slot)
	}
	return nil
}

// typedWrappers builds the convenience wrapper of a capability, if it has one.
var typedWrappers = map[Capability]func(path string, reg *Registration) (any, error){
	CapabilityGreeter: func(path string, reg *Registration) (any, error) {
		return NewGreeterProxy(path, reg)
	},
}

// HasTypedWrapper reports whether c has a convenience wrapper.
func HasTypedWrapper(c Capability) bool {
	_, ok := typedWrappers[c]
	return ok
}
