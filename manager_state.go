// manager_state.go: per-path lifecycle states of the plugin manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import "fmt"

// PathState is the lifecycle state of one library path inside a Manager.
//
//	Unloaded -> Loading -> Loaded -> Unloading -> Unloaded
//	Loading -> Unloaded        (load failed)
//	Unloading -> Loaded        (unmake failed, handle retained)
type PathState int

const (
	PathUnloaded PathState = iota
	PathLoading
	PathLoaded
	PathUnloading
)

func (s PathState) String() string {
	switch s {
	case PathUnloaded:
		return "unloaded"
	case PathLoading:
		return "loading"
	case PathLoaded:
		return "loaded"
	case PathUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("PathState(%d)", int(s))
	}
}

var pathTransitions = map[PathState][]PathState{
	PathUnloaded:  {PathLoading},
	PathLoading:   {PathLoaded, PathUnloaded},
	PathLoaded:    {PathUnloading},
	PathUnloading: {PathUnloaded, PathLoaded},
}

func canTransition(from, to PathState) bool {
	for _, s := range pathTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State returns the lifecycle state of path.
func (m *Manager) State(path string) PathState {
	return m.states[cleanPath(path)]
}

// setState moves path to next. An illegal transition is a bug in the
// manager itself, so it panics rather than corrupting the table.
func (m *Manager) setState(path string, next PathState) {
	cur := m.states[path]
	if !canTransition(cur, next) {
		panic(fmt.Sprintf("dynplugins: illegal transition %s -> %s for %s", cur, next, path))
	}
	if next == PathUnloaded {
		delete(m.states, path)
		return
	}
	m.states[path] = next
}
