// native_library_unix.go: purego backed native library loading for unix platforms
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build (darwin || freebsd || linux || netbsd) && !android

package dynplugins

import (
	"errors"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/oklog/ulid/v2"
)

// C layouts of the plugin ABI. Field order and widths must match the
// plugin side exactly.
type (
	cRegistrationArray struct {
		count         uintptr // usize
		registrations uintptr // *const *const void
		factories     uintptr // *const *const RegistrationFactory, null when host-owned
	}

	cRegistrationFactory struct {
		maker     uintptr // fn() -> *void
		unmaker   uintptr // fn(*void)
		traitName uintptr // *const c_char
	}

	cRegistration struct {
		name   uintptr // *const c_char
		vtable uintptr // *const <Cap>VTable
	}

	cGreeterVTable struct {
		abiVersion uint32
		userData   uintptr
		name       uintptr // fn(*void) -> *const c_char
		greet      uintptr // fn(*void, *const c_char)
		drop       uintptr // fn(*void)
	}
)

const maxCStringLen = 4096

var errLibraryClosed = errors.New("library already closed")

type nativeLibrary struct {
	path   string
	handle uintptr
}

func openNativeLibrary(path string) (Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, NewLibraryOpenFailedError(path, err)
	}
	return &nativeLibrary{path: path, handle: handle}, nil
}

func (l *nativeLibrary) Path() string {
	return l.path
}

func (l *nativeLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	handle := l.handle
	l.handle = 0
	if err := purego.Dlclose(handle); err != nil {
		return NewLibraryCloseFailedError(l.path, err)
	}
	return nil
}

func (l *nativeLibrary) Resolve(symbol string, target any) error {
	if l.handle == 0 {
		return NewLibraryOpenFailedError(l.path, errLibraryClosed)
	}
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil || addr == 0 {
		return NewSymbolNotFoundError(l.path, []string{symbol})
	}

	// The capability and type name encoded in the symbol select the vtable
	// decoder for whatever the function returns.
	info, _ := ParseSymbol(symbol)

	switch t := target.(type) {
	case *AggregateMakerFunc:
		var fn func() uintptr
		purego.RegisterFunc(&fn, addr)
		*t = func() (*RegistrationArray, error) {
			p := fn()
			if p == 0 {
				return nil, NewEmptyRegistrationError(l.path, info.Capability)
			}
			return decodeRegistrationArray(l.path, info.Capability, p)
		}

	case *AggregateUnmakerFunc:
		var fn func(unsafe.Pointer)
		purego.RegisterFunc(&fn, addr)
		*t = func(arr *RegistrationArray) error {
			if arr.Addr != 0 {
				fn(ptrAt(arr.Addr))
				return nil
			}
			// Host-framed array: hand the plugin a C view of it.
			ptrs := make([]uintptr, arr.Len())
			for i := range ptrs {
				ptrs[i] = arr.At(i).Addr
			}
			view := &cRegistrationArray{count: uintptr(len(ptrs))}
			if len(ptrs) > 0 {
				view.registrations = uintptr(unsafe.Pointer(&ptrs[0]))
			}
			fn(unsafe.Pointer(view))
			runtime.KeepAlive(ptrs)
			return nil
		}

	case *MakerFunc:
		var fn func() uintptr
		purego.RegisterFunc(&fn, addr)
		*t = func() (*Registration, error) {
			p := fn()
			if p == 0 {
				return nil, NewEmptyRegistrationError(l.path, info.Capability)
			}
			return decodeRegistration(l.path, info.Capability, p, info.TypeName)
		}

	case *UnmakerFunc:
		var fn func(uintptr)
		purego.RegisterFunc(&fn, addr)
		*t = func(reg *Registration) error {
			fn(reg.Addr)
			return nil
		}

	case *CounterFunc:
		var fn func() uint64
		purego.RegisterFunc(&fn, addr)
		*t = fn

	default:
		return NewUnsupportedCallTargetError(symbol, target)
	}
	return nil
}

func decodeRegistrationArray(path string, c Capability, p uintptr) (*RegistrationArray, error) {
	raw := (*cRegistrationArray)(ptrAt(p))
	count := int(raw.count)
	if count == 0 {
		return nil, NewEmptyRegistrationError(path, c)
	}
	if raw.registrations == 0 {
		return nil, NewOwnershipTagInvalidError(count, 0, "null registrations pointer")
	}

	regPtrs := unsafe.Slice((*uintptr)(ptrAt(raw.registrations)), count)
	regs := make([]*Registration, count)
	for i, rp := range regPtrs {
		if rp == 0 {
			continue
		}
		reg, err := decodeRegistration(path, c, rp, "")
		if err != nil {
			return nil, err
		}
		regs[i] = reg
	}

	var factories []UnmakerFunc
	if raw.factories != 0 {
		factories = make([]UnmakerFunc, count)
		facPtrs := unsafe.Slice((*uintptr)(ptrAt(raw.factories)), count)
		for i, fp := range facPtrs {
			if fp == 0 {
				continue
			}
			f := (*cRegistrationFactory)(ptrAt(fp))
			if f.unmaker == 0 {
				continue
			}
			var unmake func(uintptr)
			purego.RegisterFunc(&unmake, f.unmaker)
			factories[i] = func(reg *Registration) error {
				unmake(reg.Addr)
				return nil
			}
		}
	}

	arr, err := NewRegistrationArray(regs, factories)
	if err != nil {
		return nil, err
	}
	arr.Addr = p
	return arr, nil
}

func decodeRegistration(path string, c Capability, p uintptr, fallbackType string) (*Registration, error) {
	raw := (*cRegistration)(ptrAt(p))
	if raw.vtable == 0 {
		return nil, NewEmptyRegistrationError(path, c)
	}
	name := goString(raw.name)
	if name == "" {
		name = fallbackType
	}
	return &Registration{
		ID:         ulid.Make(),
		Capability: c,
		TypeName:   name,
		VTable:     decodeNativeVTable(c, raw.vtable),
		Addr:       p,
	}, nil
}

func decodeNativeVTable(c Capability, addr uintptr) VTable {
	version := *(*uint32)(ptrAt(addr))
	if c != CapabilityGreeter || version != ABIVersion {
		// Unknown layouts are never called; the version check rejects them.
		return RawVTable{Cap: c, Version: version, Addr: addr}
	}

	raw := (*cGreeterVTable)(ptrAt(addr))
	vt := &GreeterVTable{Version: raw.abiVersion, State: raw.userData}
	if raw.name != 0 {
		var fn func(uintptr) string
		purego.RegisterFunc(&fn, raw.name)
		vt.NameFunc = fn
	}
	if raw.greet != 0 {
		var fn func(uintptr, string)
		purego.RegisterFunc(&fn, raw.greet)
		vt.GreetFunc = fn
	}
	if raw.drop != 0 {
		var fn func(uintptr)
		purego.RegisterFunc(&fn, raw.drop)
		vt.DropFunc = fn
	}
	return vt
}

// ptrAt converts a plugin-side address into a pointer without tripping vet's
// uintptr conversion check; the memory is owned by the plugin, not the Go heap.
func ptrAt(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	base := ptrAt(p)
	n := 0
	for n < maxCStringLen && *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}
