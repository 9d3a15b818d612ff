// errors.go: structured error definitions for the dynamic plugin system
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	stderrors "errors"
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for the dynamic plugin system
const (
	// Library and symbol errors (1000-1099)
	ErrCodeLibraryNotFound       = "DYNLIB_1001"
	ErrCodeLibraryOpenFailed     = "DYNLIB_1002"
	ErrCodeSymbolNotFound        = "DYNLIB_1003"
	ErrCodeAbiVersionMismatch    = "DYNLIB_1004"
	ErrCodeOwnershipTagInvalid   = "DYNLIB_1005"
	ErrCodeUnmakeFailed          = "DYNLIB_1006"
	ErrCodeBoundaryPanic         = "DYNLIB_1007"
	ErrCodeAlreadyLoaded         = "DYNLIB_1008"
	ErrCodeNotLoaded             = "DYNLIB_1009"
	ErrCodeEmptyRegistration     = "DYNLIB_1010"
	ErrCodeLibraryCloseFailed    = "DYNLIB_1011"
	ErrCodeInvalidCapability     = "DYNLIB_1012"
	ErrCodeUnsupportedPlatform   = "DYNLIB_1013"
	ErrCodeRegistrationNotFound  = "DYNLIB_1014"
	ErrCodeUnsupportedCallTarget = "DYNLIB_1015"
	ErrCodeLibraryNotAllowed     = "DYNLIB_1016"
	ErrCodeVTableInvalid         = "DYNLIB_1017"

	// Watcher errors (2000-2099)
	ErrCodeWatcherFailed       = "WATCH_2001"
	ErrCodeInvalidWatchOptions = "WATCH_2002"

	// Configuration errors (3000-3099)
	ErrCodeConfigNotFound          = "CONFIG_3001"
	ErrCodeConfigParseError        = "CONFIG_3002"
	ErrCodeConfigValidationError   = "CONFIG_3003"
	ErrCodeConfigWatcherError      = "CONFIG_3004"
	ErrCodeUnsupportedConfigFormat = "CONFIG_3005"
	ErrCodeAllowlistError          = "CONFIG_3006"
)

// Library and symbol error constructors

func NewLibraryNotFoundError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeLibraryNotFound, "Plugin library not found").
		WithUserMessage("The plugin library file does not exist or cannot be accessed").
		WithContext("path", path).
		WithSeverity("error")
}

// NewLibraryOpenFailedError reports that the dynamic loader rejected a file.
// It is retryable: a library that is still being written by a build or copy
// usually opens fine a moment later.
func NewLibraryOpenFailedError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeLibraryOpenFailed, "Failed to open plugin library").
		WithUserMessage("The file is not a valid dynamic library for this platform").
		WithContext("path", path).
		WithSeverity("error").
		AsRetryable()
}

func NewSymbolNotFoundError(path string, symbols []string) *errors.Error {
	return errors.New(ErrCodeSymbolNotFound, "No plugin entry point found").
		WithUserMessage("The library does not export any recognised registration symbol").
		WithContext("path", path).
		WithContext("symbols", symbols).
		WithSeverity("error")
}

func NewAbiVersionMismatchError(path string, expected, found uint32) *errors.Error {
	return errors.New(ErrCodeAbiVersionMismatch, "Plugin ABI version mismatch").
		WithUserMessage(fmt.Sprintf("The plugin was built for ABI v%d, the host requires v%d", found, expected)).
		WithContext("path", path).
		WithContext("expected_version", expected).
		WithContext("found_version", found).
		WithSeverity("error")
}

func NewOwnershipTagInvalidError(registrations, factories int, reason string) *errors.Error {
	return errors.New(ErrCodeOwnershipTagInvalid, "Invalid registration ownership tag").
		WithUserMessage("The registration array does not describe a consistent owner").
		WithContext("registrations", registrations).
		WithContext("factories", factories).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewUnmakeFailedError(path string, capability Capability, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeUnmakeFailed, "Failed to release plugin registrations").
		WithUserMessage("The plugin stays loaded because its registrations could not be released").
		WithContext("path", path).
		WithContext("capability", capability.String()).
		WithSeverity("error")
}

// NewBoundaryPanicError converts a panic recovered at the host/plugin boundary
// into an ordinary error value.
func NewBoundaryPanicError(operation string, recovered any, stack []byte) *errors.Error {
	return errors.New(ErrCodeBoundaryPanic, "Panic crossed the plugin boundary").
		WithUserMessage("A plugin call panicked and was contained").
		WithContext("operation", operation).
		WithContext("panic", fmt.Sprint(recovered)).
		WithContext("stack", string(stack)).
		WithSeverity("critical")
}

func NewAlreadyLoadedError(path string) *errors.Error {
	return errors.New(ErrCodeAlreadyLoaded, "Plugin already loaded").
		WithUserMessage("Unload the plugin before loading it again").
		WithContext("path", path).
		WithSeverity("warning")
}

func NewNotLoadedError(path string) *errors.Error {
	return errors.New(ErrCodeNotLoaded, "Plugin not loaded").
		WithUserMessage("No plugin is loaded from this path").
		WithContext("path", path).
		WithSeverity("warning")
}

func NewEmptyRegistrationError(path string, capability Capability) *errors.Error {
	return errors.New(ErrCodeEmptyRegistration, "Plugin returned no registrations").
		WithUserMessage("The plugin entry point produced no implementations").
		WithContext("path", path).
		WithContext("capability", capability.String()).
		WithSeverity("error")
}

func NewLibraryCloseFailedError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeLibraryCloseFailed, "Failed to close plugin library").
		WithContext("path", path).
		WithSeverity("warning")
}

func NewInvalidCapabilityError(name string) *errors.Error {
	return errors.New(ErrCodeInvalidCapability, "Invalid capability or type name").
		WithUserMessage("Names must start with a letter and contain only letters and digits").
		WithContext("name", name).
		WithSeverity("error")
}

func NewUnsupportedPlatformError(goos string) *errors.Error {
	return errors.New(ErrCodeUnsupportedPlatform, "Native plugin loading is not supported").
		WithContext("goos", goos).
		WithSeverity("error")
}

func NewRegistrationNotFoundError(path string, index int) *errors.Error {
	return errors.New(ErrCodeRegistrationNotFound, "Registration not found").
		WithUserMessage("The registration index is out of range or already released").
		WithContext("path", path).
		WithContext("index", index).
		WithSeverity("error")
}

func NewUnsupportedCallTargetError(symbol string, target any) *errors.Error {
	return errors.New(ErrCodeUnsupportedCallTarget, "Unsupported call target").
		WithContext("symbol", symbol).
		WithContext("target_type", fmt.Sprintf("%T", target)).
		WithSeverity("error")
}

// NewVTableInvalidError reports a registration whose vtable cannot serve a
// typed wrapper: wrong capability or a missing function slot.
func NewVTableInvalidError(path, typeName, reason string) *errors.Error {
	return errors.New(ErrCodeVTableInvalid, "Invalid plugin vtable").
		WithUserMessage("The plugin implementation does not provide the expected functions").
		WithContext("path", path).
		WithContext("type_name", typeName).
		WithContext("reason", reason).
		WithSeverity("error")
}

// NewLibraryNotAllowedError reports a library rejected by the hash allowlist
// before it was opened.
func NewLibraryNotAllowedError(path, violation, reason string) *errors.Error {
	return errors.New(ErrCodeLibraryNotAllowed, "Plugin library not allowed").
		WithUserMessage(reason).
		WithContext("path", path).
		WithContext("violation", violation).
		WithSeverity("critical")
}

// Watcher error constructors

func NewWatcherError(dir string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeWatcherFailed, "Plugin directory watcher failed").
		WithContext("dir", dir).
		WithSeverity("error")
}

func NewInvalidWatchOptionsError(field, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidWatchOptions, "Invalid watch options").
		WithUserMessage(fmt.Sprintf("%s: %s", field, reason)).
		WithContext("field", field).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigNotFound, "Configuration file not found").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigParseError, "Failed to parse configuration").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidationError, "Configuration validation failed").
			WithUserMessage(message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidationError, "Configuration validation failed").
		WithUserMessage(message).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigWatcherError, message).
		WithSeverity("error")
}

func NewUnsupportedConfigFormatError(path, format string) *errors.Error {
	return errors.New(ErrCodeUnsupportedConfigFormat, "Unsupported configuration format").
		WithUserMessage("Configuration files must be YAML or JSON").
		WithContext("path", path).
		WithContext("format", format).
		WithSeverity("error")
}

func NewAllowlistError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeAllowlistError, "Library allowlist error").
		WithUserMessage(message).
		WithSeverity("error")
}

// wrapOrNew keeps the cause when there is one.
func wrapOrNew(cause error, code errors.ErrorCode, message string) *errors.Error {
	if cause == nil {
		return errors.New(code, message)
	}
	return errors.Wrap(cause, code, message)
}

// HasErrorCode reports whether err, or any error it wraps, carries code.
func HasErrorCode(err error, code string) bool {
	var e *errors.Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == errors.ErrorCode(code) {
			return true
		}
		err = e.Cause
	}
	return false
}

// ErrorCodeOf returns the code of the outermost structured error in err's chain.
func ErrorCodeOf(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return string(e.Code)
	}
	return ""
}
