// library.go: dynamic library abstraction and typed call targets
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"os"
)

// Typed call targets a Library can bind an exported symbol to.
//
// Native libraries convert the C function pointer into one of these through
// purego; in-process libraries (tests, statically linked plugins) provide Go
// functions directly.
type (
	// AggregateMakerFunc is plugin_register_all_<Cap>_v1.
	AggregateMakerFunc func() (*RegistrationArray, error)

	// AggregateUnmakerFunc is plugin_unregister_all_<Cap>_v1.
	AggregateUnmakerFunc func(*RegistrationArray) error

	// MakerFunc is plugin_register_<Cap>_<Type>_v1 or the legacy plugin_register_<Cap>_v1.
	MakerFunc func() (*Registration, error)

	// UnmakerFunc releases one registration: a per-type unmaker symbol or a
	// factory unmaker of a plugin-owned array.
	UnmakerFunc func(*Registration) error

	// CounterFunc is plugin_unmaker_counter_<Cap>_v1.
	CounterFunc func() uint64
)

// Library is an opened dynamic library.
//
// Resolve binds symbol to target, which must be a pointer to one of the
// typed call targets above. A missing symbol yields an ErrCodeSymbolNotFound
// error. After Close no call target obtained from the library may be used.
type Library interface {
	Path() string
	Resolve(symbol string, target any) error
	Close() error
}

// Loader opens libraries. Opening runs no plugin code besides the platform
// loader's own initialisers.
type Loader interface {
	Open(path string) (Library, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Library, error)

// Open implements Loader.
func (f LoaderFunc) Open(path string) (Library, error) {
	return f(path)
}

// NativeLoader opens platform dynamic libraries (.so, .dylib) with the
// system dynamic loader.
type NativeLoader struct{}

// NewNativeLoader returns the default loader used by Manager.
func NewNativeLoader() *NativeLoader {
	return &NativeLoader{}
}

// Open opens path. A missing file fails with ErrCodeLibraryNotFound and a
// file rejected by the dynamic loader with ErrCodeLibraryOpenFailed.
func (l *NativeLoader) Open(path string) (Library, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewLibraryNotFoundError(path, err)
	}
	if info.IsDir() {
		return nil, NewLibraryOpenFailedError(path, nil).WithContext("reason", "path is a directory")
	}
	return openNativeLibrary(path)
}

// resolveOptional binds symbol when present. Missing symbols are not an
// error; any other resolution failure is.
func resolveOptional(lib Library, symbol string, target any) (bool, error) {
	err := lib.Resolve(symbol, target)
	if err == nil {
		return true, nil
	}
	if HasErrorCode(err, ErrCodeSymbolNotFound) {
		return false, nil
	}
	return false, err
}
