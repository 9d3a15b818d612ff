// Package dynplugins loads, tracks and unloads native plugin libraries
// (.so, .dylib) that implement capabilities through a small, versioned C ABI.
//
// Key Features:
//   - Versioned symbol contract (plugin_register_all_<Cap>_v1 and friends)
//   - Ownership-aware release of registrations before a library is closed
//   - Panics from plugin calls contained as ErrCodeBoundaryPanic errors
//   - Debounced directory watching with automatic load and unload
//   - Single-goroutine manager; watchers only ever deliver paths
//   - Hot-reloadable host configuration, Prometheus metrics and OpenTelemetry spans
//
// Basic Usage:
//
//	manager := dynplugins.NewManager(dynplugins.WithLogger(slog.Default()))
//
//	handle, err := manager.LoadPlugin(ctx, "./plugins/libhello.so", dynplugins.CapabilityGreeter)
//	if err != nil {
//		log.Fatal(err)
//	}
//	greeters, _ := handle.Greeters()
//	_ = greeters[0].Greet("world")
//
//	counter, err := manager.UnloadByPath(ctx, "./plugins/libhello.so")
//
// Watching a directory:
//
//	opts := dynplugins.DefaultWatchOptions()
//	opts.AutoUnload = true
//	err := manager.WatchAndLoadBlocking(ctx, "./plugins", dynplugins.CapabilityGreeter, opts,
//		func(n dynplugins.ManagerNotification) bool {
//			log.Printf("%s %s", n.Kind, n.Path)
//			return true
//		})
//
// Plugins that fault natively (for example a segmentation fault in C code)
// still take the host process down; only Go panics are contained.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package dynplugins
