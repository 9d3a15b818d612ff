// guard.go: panic containment at the host/plugin boundary and for background goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"runtime"
)

// RecoveryHandler defines the signature for panic recovery handlers.
type RecoveryHandler func(recovered any, stack []byte)

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// guardFunc is the signature of guardCall and of Manager.guard.
type guardFunc func(operation string, fn func()) error

// guardCall runs fn, which calls into plugin code, and turns a panic into an
// ErrCodeBoundaryPanic error. Every maker, unmaker, counter and vtable call
// goes through here.
func guardCall(operation string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewBoundaryPanicError(operation, r, captureStack())
		}
	}()
	fn()
	return nil
}

// withCustomRecoveryHandler returns a deferred function that hands a
// recovered panic and its stack to handler.
//
//	go func() {
//	    defer withCustomRecoveryHandler(handler)()
//	    // potentially panicking code
//	}()
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			handler(r, captureStack())
		}
	}
}
