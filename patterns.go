// patterns.go: plugin file recognition and directory scanning
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultPatterns returns the file name patterns of dynamic libraries on the
// running platform.
func DefaultPatterns() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"*.dylib"}
	case "windows":
		return []string{"*.dll"}
	default:
		return []string{"*.so"}
	}
}

// IsDynamicLibrary reports whether path has a dynamic library extension on
// any supported platform.
func IsDynamicLibrary(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".so", ".dylib", ".dll":
		return true
	default:
		return false
	}
}

// pathMatcher matches file base names against glob patterns.
type pathMatcher struct {
	patterns []string
	globs    []glob.Glob
}

func newPathMatcher(patterns []string) (*pathMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	m := &pathMatcher{patterns: patterns, globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, NewInvalidWatchOptionsError("patterns", err.Error()).WithContext("pattern", p)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *pathMatcher) match(path string) bool {
	base := filepath.Base(path)
	for _, g := range m.globs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// scan lists matching regular files under dir in lexical order.
func (m *pathMatcher) scan(dir string, recursive bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if m.match(path) && isRegularFile(path) {
			out = append(out, filepath.Clean(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// subdirs lists dir and, recursively, every directory below it.
func subdirs(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// isRegularFile follows symlinks, so a link to a library counts.
func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
