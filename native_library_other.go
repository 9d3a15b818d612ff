// native_library_other.go: native loading stub for platforms without purego support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build !((darwin || freebsd || linux || netbsd) && !android)

package dynplugins

import "runtime"

// openNativeLibrary always fails here. Callers can still inject their own
// Loader through WithLoader.
func openNativeLibrary(path string) (Library, error) {
	return nil, NewUnsupportedPlatformError(runtime.GOOS).WithContext("path", path)
}
