// allowlist.go: SHA-256 allowlist of plugin libraries, checked before a library is opened
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AllowlistPolicy defines how allowlist violations are enforced.
type AllowlistPolicy int

const (
	// AllowlistDisabled skips validation entirely (default)
	AllowlistDisabled AllowlistPolicy = iota
	// AllowlistPermissive logs violations but lets the library load
	AllowlistPermissive
	// AllowlistStrict refuses to open libraries that violate the allowlist
	AllowlistStrict
)

func (p AllowlistPolicy) String() string {
	switch p {
	case AllowlistDisabled:
		return "disabled"
	case AllowlistPermissive:
		return "permissive"
	case AllowlistStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseAllowlistPolicy accepts "disabled" (or empty), "permissive" and "strict".
func ParseAllowlistPolicy(s string) (AllowlistPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled":
		return AllowlistDisabled, nil
	case "permissive":
		return AllowlistPermissive, nil
	case "strict":
		return AllowlistStrict, nil
	default:
		return AllowlistDisabled, fmt.Errorf("unknown allowlist policy %q", s)
	}
}

// LibraryHashInfo is one authorised library, keyed by file base name.
type LibraryHashInfo struct {
	Name        string `json:"name"`
	Hash        string `json:"hash"` // hex encoded SHA-256
	MaxFileSize int64  `json:"max_file_size,omitempty"`
	Description string `json:"description,omitempty"`
}

// LibraryAllowlist is the on-disk allowlist (JSON).
//
//	{
//	  "version": "1",
//	  "libraries": {
//	    "libhello.so": {"name": "libhello.so", "hash": "9f86d0..."}
//	  }
//	}
type LibraryAllowlist struct {
	Version     string                     `json:"version"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	Description string                     `json:"description,omitempty"`
	MaxFileSize int64                      `json:"max_file_size,omitempty"`
	Libraries   map[string]LibraryHashInfo `json:"libraries"`
}

// AllowlistViolation describes why a library failed validation.
type AllowlistViolation struct {
	Type     string `json:"type"`
	Library  string `json:"library"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// AllowlistStats tracks validation outcomes.
type AllowlistStats struct {
	ValidationAttempts int64     `json:"validation_attempts"`
	AuthorizedLoads    int64     `json:"authorized_loads"`
	RejectedLoads      int64     `json:"rejected_loads"`
	HashMismatches     int64     `json:"hash_mismatches"`
	Reloads            int64     `json:"reloads"`
	LastReload         time.Time `json:"last_reload"`
}

// LibraryValidator checks library files against a LibraryAllowlist.
// Opening a native library already runs its initialisers, so the check is
// made on the file before the dynamic loader sees it. It is safe for
// concurrent use, so Reload may run on a config watcher goroutine
// while the manager validates on its own.
type LibraryValidator struct {
	policy AllowlistPolicy
	file   string
	logger Logger

	mutex     sync.RWMutex
	allowlist *LibraryAllowlist
	stats     AllowlistStats
}

// NewLibraryValidator loads the allowlist at file. With AllowlistDisabled
// nothing is read and every library passes.
func NewLibraryValidator(policy AllowlistPolicy, file string, logger any) (*LibraryValidator, error) {
	v := &LibraryValidator{
		policy: policy,
		file:   file,
		logger: NewLogger(logger),
	}
	if policy == AllowlistDisabled {
		return v, nil
	}
	if file == "" {
		return nil, NewAllowlistError("allowlist file path not configured", nil)
	}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Policy returns the enforcement policy.
func (v *LibraryValidator) Policy() AllowlistPolicy {
	return v.policy
}

// Reload reads the allowlist file again. On failure the previous allowlist
// stays in effect.
func (v *LibraryValidator) Reload() error {
	data, err := os.ReadFile(v.file) // #nosec G304 -- path is provided by the host
	if err != nil {
		return NewAllowlistError("failed to read allowlist file", err).WithContext("file", v.file)
	}
	var allowlist LibraryAllowlist
	if err := json.Unmarshal(data, &allowlist); err != nil {
		return NewAllowlistError("failed to parse allowlist JSON", err).WithContext("file", v.file)
	}
	if err := validateAllowlistStructure(&allowlist); err != nil {
		return NewAllowlistError("invalid allowlist structure", err).WithContext("file", v.file)
	}

	v.mutex.Lock()
	v.allowlist = &allowlist
	v.stats.Reloads++
	v.stats.LastReload = time.Now()
	v.mutex.Unlock()

	v.logger.Info("Library allowlist loaded",
		"file", v.file,
		"libraries", len(allowlist.Libraries),
		"version", allowlist.Version)
	return nil
}

func validateAllowlistStructure(allowlist *LibraryAllowlist) error {
	if allowlist.Libraries == nil {
		return fmt.Errorf("allowlist must contain a libraries map")
	}
	for name, entry := range allowlist.Libraries {
		if entry.Name != "" && entry.Name != name {
			return fmt.Errorf("library name mismatch: key %s != name %s", name, entry.Name)
		}
		if _, err := hex.DecodeString(entry.Hash); err != nil || len(entry.Hash) != sha256.Size*2 {
			return fmt.Errorf("library %s has no valid sha256 hash", name)
		}
	}
	return nil
}

// Validate checks the library at path. It returns nil when the library may
// be opened: it passed, the policy is permissive, or validation is disabled.
func (v *LibraryValidator) Validate(path string) error {
	if v.policy == AllowlistDisabled {
		return nil
	}

	violations, err := v.check(path)
	if err != nil {
		return err
	}

	v.mutex.Lock()
	v.stats.ValidationAttempts++
	if len(violations) == 0 {
		v.stats.AuthorizedLoads++
		v.mutex.Unlock()
		return nil
	}
	v.stats.RejectedLoads++
	v.mutex.Unlock()

	first := violations[0]
	if v.policy == AllowlistPermissive {
		v.logger.Warn("Library allowlist violation (permissive mode)",
			"path", path,
			"violation", first.Type,
			"reason", first.Reason)
		return nil
	}
	v.logger.Error("Library rejected by allowlist",
		"path", path,
		"violation", first.Type,
		"reason", first.Reason)
	return NewLibraryNotAllowedError(path, first.Type, first.Reason).
		WithContext("expected", first.Expected).
		WithContext("actual", first.Actual)
}

func (v *LibraryValidator) check(path string) ([]AllowlistViolation, error) {
	v.mutex.RLock()
	allowlist := v.allowlist
	v.mutex.RUnlock()

	name := filepath.Base(path)
	entry, ok := allowlist.Libraries[name]
	if !ok {
		return []AllowlistViolation{{
			Type:    "library_not_allowed",
			Library: name,
			Reason:  "library not found in allowlist",
		}}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, NewLibraryNotFoundError(path, err)
	}
	var violations []AllowlistViolation
	maxSize := entry.MaxFileSize
	if maxSize == 0 {
		maxSize = allowlist.MaxFileSize
	}
	if maxSize > 0 && info.Size() > maxSize {
		violations = append(violations, AllowlistViolation{
			Type:     "file_size_exceeded",
			Library:  name,
			Reason:   fmt.Sprintf("library size (%d bytes) exceeds maximum allowed (%d bytes)", info.Size(), maxSize),
			Expected: fmt.Sprint(maxSize),
			Actual:   fmt.Sprint(info.Size()),
		})
		return violations, nil
	}

	actual, err := HashLibrary(path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(actual, entry.Hash) {
		v.mutex.Lock()
		v.stats.HashMismatches++
		v.mutex.Unlock()
		violations = append(violations, AllowlistViolation{
			Type:     "hash_mismatch",
			Library:  name,
			Reason:   "library hash does not match allowlist",
			Expected: strings.ToLower(entry.Hash),
			Actual:   actual,
		})
	}
	return violations, nil
}

// Stats returns a snapshot of the validation counters.
func (v *LibraryValidator) Stats() AllowlistStats {
	v.mutex.RLock()
	defer v.mutex.RUnlock()
	return v.stats
}

// HashLibrary returns the hex encoded SHA-256 of the file at path, the form
// used in allowlist entries.
func HashLibrary(path string) (string, error) {
	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- path is provided by the host
	if err != nil {
		return "", NewLibraryNotFoundError(path, err)
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", NewLibraryOpenFailedError(path, err).WithContext("reason", "hashing failed")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
