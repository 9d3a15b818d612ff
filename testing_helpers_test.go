// testing_helpers_test.go: in-process plugin libraries for exercising the manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// pluginMode selects which entry points a testPlugin exports.
type pluginMode int

const (
	// aggregate maker with per-element factories, no aggregate unmaker
	modeAggregate pluginMode = iota
	// aggregate maker, factories and an aggregate unmaker
	modeAggregateWithUnmakeAll
	// one typed maker/unmaker pair per type name
	modeSingle
	// the untyped legacy maker/unmaker pair
	modeLegacy
)

// testPlugin is a Greeter plugin implemented in Go. Its state outlives
// the libraries opened from it, like static data a platform loader keeps
// mapped across dlclose.
type testPlugin struct {
	types         []string
	mode          pluginMode
	withCounter   bool
	symbolVersion uint32 // 0 means ABIVersion
	vtableVersion uint32 // 0 means ABIVersion

	makerPanics   bool
	unmakerPanics bool
	unmakeFails   bool
	failMakerAt   int // 1-based index of the single maker that fails, 0 for none
	nullEntryAt   int // 1-based index of a null entry in the aggregate array, 0 for none

	counter     uint64
	makeCalls   int
	unmakeCalls map[string]int
	greetings   []string
	opens       int
	closes      int
}

func newTestPlugin(mode pluginMode, types ...string) *testPlugin {
	if len(types) == 0 {
		types = []string{"English"}
	}
	return &testPlugin{
		types:       types,
		mode:        mode,
		withCounter: true,
		unmakeCalls: make(map[string]int),
	}
}

func (p *testPlugin) version(v uint32) uint32 {
	if v == 0 {
		return ABIVersion
	}
	return v
}

func (p *testPlugin) newRegistration(typ string) *Registration {
	return &Registration{
		TypeName: typ,
		VTable: &GreeterVTable{
			Version:  p.version(p.vtableVersion),
			NameFunc: func(uintptr) string { return typ },
			GreetFunc: func(_ uintptr, target string) {
				if target == "boom" {
					panic("greeter exploded")
				}
				p.greetings = append(p.greetings, typ+" greets "+target)
			},
		},
	}
}

func (p *testPlugin) unmaker(route string) UnmakerFunc {
	return func(reg *Registration) error {
		if p.unmakerPanics {
			panic("unmaker exploded")
		}
		if p.unmakeFails {
			return errors.New("unmake refused")
		}
		p.counter++
		p.unmakeCalls[route]++
		return nil
	}
}

func (p *testPlugin) symbols() map[string]any {
	v := p.version(p.symbolVersion)
	c := CapabilityGreeter
	name := func(role SymbolRole, typ string) string {
		return SymbolInfo{Role: role, Capability: c, TypeName: typ, Version: v}.Name()
	}
	syms := make(map[string]any)

	switch p.mode {
	case modeAggregate, modeAggregateWithUnmakeAll:
		syms[name(RoleAggregateMaker, "")] = AggregateMakerFunc(func() (*RegistrationArray, error) {
			p.makeCalls++
			if p.makerPanics {
				panic("maker exploded")
			}
			regs := make([]*Registration, 0, len(p.types))
			factories := make([]UnmakerFunc, 0, len(p.types))
			for _, t := range p.types {
				regs = append(regs, p.newRegistration(t))
				factories = append(factories, p.unmaker("factory"))
			}
			if p.nullEntryAt > 0 {
				regs[p.nullEntryAt-1] = nil
			}
			return NewRegistrationArray(regs, factories)
		})
		if p.mode == modeAggregateWithUnmakeAll {
			syms[name(RoleAggregateUnmaker, "")] = AggregateUnmakerFunc(func(arr *RegistrationArray) error {
				if p.unmakerPanics {
					panic("aggregate unmaker exploded")
				}
				if p.unmakeFails {
					return errors.New("unmake refused")
				}
				p.counter += uint64(arr.Len())
				p.unmakeCalls["aggregate"]++
				return nil
			})
		}

	case modeSingle:
		for i, t := range p.types {
			index, typ := i+1, t
			syms[name(RoleMaker, typ)] = MakerFunc(func() (*Registration, error) {
				p.makeCalls++
				if p.makerPanics {
					panic("maker exploded")
				}
				if p.failMakerAt == index {
					return nil, errors.New("maker refused")
				}
				return p.newRegistration(typ), nil
			})
			syms[name(RoleUnmaker, typ)] = p.unmaker("single")
		}

	case modeLegacy:
		syms[name(RoleLegacyMaker, "")] = MakerFunc(func() (*Registration, error) {
			p.makeCalls++
			if p.makerPanics {
				panic("maker exploded")
			}
			return p.newRegistration(""), nil
		})
		syms[name(RoleLegacyUnmaker, "")] = p.unmaker("legacy")
	}

	if p.withCounter {
		syms[name(RoleCounter, "")] = CounterFunc(func() uint64 { return p.counter })
	}
	return syms
}

// testLibrary is an opened testPlugin.
type testLibrary struct {
	path    string
	plugin  *testPlugin
	symbols map[string]any
	closed  bool
}

func (l *testLibrary) Path() string { return l.path }

func (l *testLibrary) Close() error {
	if !l.closed {
		l.closed = true
		l.plugin.closes++
	}
	return nil
}

func (l *testLibrary) Resolve(symbol string, target any) error {
	if l.closed {
		return NewLibraryOpenFailedError(l.path, errors.New("library closed"))
	}
	fn, ok := l.symbols[symbol]
	if !ok {
		return NewSymbolNotFoundError(l.path, []string{symbol})
	}
	switch t := target.(type) {
	case *AggregateMakerFunc:
		return bind(symbol, fn, t)
	case *AggregateUnmakerFunc:
		return bind(symbol, fn, t)
	case *MakerFunc:
		return bind(symbol, fn, t)
	case *UnmakerFunc:
		return bind(symbol, fn, t)
	case *CounterFunc:
		return bind(symbol, fn, t)
	default:
		return NewUnsupportedCallTargetError(symbol, target)
	}
}

func bind[T any](symbol string, fn any, target *T) error {
	f, ok := fn.(T)
	if !ok {
		return NewUnsupportedCallTargetError(symbol, target)
	}
	*target = f
	return nil
}

// testLoader serves testPlugins by path.
type testLoader struct {
	plugins map[string]*testPlugin

	// fallback builds a plugin for paths without an explicit entry.
	fallback func(path string) *testPlugin

	// transientFailures makes the next N opens of a path fail as if the
	// file were still being written.
	transientFailures map[string]int
	openCalls         map[string]int
}

func newTestLoader() *testLoader {
	return &testLoader{
		plugins:           make(map[string]*testPlugin),
		transientFailures: make(map[string]int),
		openCalls:         make(map[string]int),
	}
}

func (l *testLoader) add(path string, p *testPlugin) *testPlugin {
	l.plugins[filepath.Clean(path)] = p
	return p
}

func (l *testLoader) Open(path string) (Library, error) {
	path = filepath.Clean(path)
	l.openCalls[path]++
	if n := l.transientFailures[path]; n > 0 {
		l.transientFailures[path] = n - 1
		return nil, NewLibraryOpenFailedError(path, errors.New("file too short"))
	}
	p, ok := l.plugins[path]
	if !ok && l.fallback != nil {
		p = l.add(path, l.fallback(path))
		ok = true
	}
	if !ok {
		return nil, NewLibraryNotFoundError(path, os.ErrNotExist)
	}
	p.opens++
	return &testLibrary{path: path, plugin: p, symbols: p.symbols()}, nil
}

func newTestManager(t *testing.T, loader Loader, opts ...ManagerOption) (*Manager, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	all := append([]ManagerOption{WithLoader(loader), WithLogger(logger)}, opts...)
	return NewManager(all...), logger
}

// fakeClock is a manually advanced clock for the debouncer.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// writeFile creates or replaces a file under dir.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
