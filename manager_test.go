// manager_test.go: load, unload and ownership behaviour of the plugin manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloPath = "/plugins/libhello.so"

func TestManager_LoadGreetUnload(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate, "English"))
	manager, logger := newTestManager(t, loader)

	handle, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)
	require.NotNil(t, handle)

	assert.Equal(t, helloPath, handle.Path())
	assert.Equal(t, CapabilityGreeter, handle.Capability())
	assert.Equal(t, PluginOwned, handle.Owner())
	assert.Equal(t, 1, handle.Len())
	assert.False(t, handle.LoadedAt().IsZero())
	assert.Equal(t, PathLoaded, manager.State(helloPath))
	assert.Equal(t, []string{helloPath}, manager.Paths())

	greeters, err := handle.Greeters()
	require.NoError(t, err)
	require.Len(t, greeters, 1)

	name, err := greeters[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "English", name)
	require.NoError(t, greeters[0].Greet("world"))
	assert.Equal(t, []string{"English greets world"}, plugin.greetings)

	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counter)
	assert.Equal(t, 0, manager.Len())
	assert.Equal(t, PathUnloaded, manager.State(helloPath))
	assert.Equal(t, 1, plugin.closes)
	assert.True(t, logger.HasMessage("INFO", "Plugin unloaded"))

	// Proxies must refuse to call into a released registration.
	err = greeters[0].Greet("again")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeRegistrationNotFound))
}

func TestManager_LoadTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate))
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	_, err = manager.LoadPlugin(ctx, "/plugins/../plugins/libhello.so", CapabilityGreeter)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeAlreadyLoaded))
	assert.Equal(t, 1, plugin.makeCalls, "maker must not run for an already loaded path")
	assert.Equal(t, 1, plugin.opens)
	assert.Equal(t, 1, manager.Len())
}

func TestManager_UnloadUnknownPath(t *testing.T) {
	manager, _ := newTestManager(t, newTestLoader())

	_, err := manager.UnloadByPath(context.Background(), "/plugins/missing.so")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeNotLoaded))

	_, err = manager.UnmakerCounter("/plugins/missing.so")
	assert.True(t, HasErrorCode(err, ErrCodeNotLoaded))
}

func TestManager_LoadPluginsKeepsGoingAfterFailure(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	loader.add("/plugins/a.so", newTestPlugin(modeAggregate, "English"))
	loader.add("/plugins/c.so", newTestPlugin(modeSingle, "Italian"))
	manager, _ := newTestManager(t, loader, WithTypeNames(CapabilityGreeter, "Italian"))

	results := manager.LoadPlugins(ctx, []string{"/plugins/a.so", "/plugins/b.so", "/plugins/c.so"}, CapabilityGreeter)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.True(t, HasErrorCode(results[1].Err, ErrCodeLibraryNotFound))
	assert.Nil(t, results[1].Handle)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, []string{"/plugins/a.so", "/plugins/c.so"}, manager.Paths())
}

func TestManager_LoadPluginsHonoursCancellation(t *testing.T) {
	loader := newTestLoader()
	loader.add(helloPath, newTestPlugin(modeAggregate))
	manager, _ := newTestManager(t, loader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := manager.LoadPlugins(ctx, []string{helloPath}, CapabilityGreeter)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, context.Canceled))
	assert.Equal(t, 0, manager.Len())
	assert.Equal(t, 0, loader.openCalls[helloPath])
}

func TestManager_InvalidCapability(t *testing.T) {
	loader := newTestLoader()
	loader.add(helloPath, newTestPlugin(modeAggregate))
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(context.Background(), helloPath, Capability("Greet_er"))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidCapability))
	assert.Equal(t, 0, loader.openCalls[helloPath])
}

func TestManager_MakerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate))
	plugin.makerPanics = true
	manager, logger := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeBoundaryPanic))
	assert.Equal(t, 0, manager.Len())
	assert.Equal(t, PathUnloaded, manager.State(helloPath))
	assert.Equal(t, 1, plugin.closes, "library must be closed after a failed load")
	assert.True(t, logger.HasMessage("ERROR", "Panic contained at plugin boundary"))

	// The manager stays usable and the path can be loaded once fixed.
	plugin.makerPanics = false
	_, err = manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)
}

func TestManager_GreeterPanicIsContained(t *testing.T) {
	loader := newTestLoader()
	loader.add(helloPath, newTestPlugin(modeAggregate))
	manager, _ := newTestManager(t, loader)

	handle, err := manager.LoadPlugin(context.Background(), helloPath, CapabilityGreeter)
	require.NoError(t, err)
	greeters, err := handle.Greeters()
	require.NoError(t, err)

	err = greeters[0].Greet("boom")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeBoundaryPanic))
	require.NoError(t, greeters[0].Greet("world"))
}

func TestManager_SingleMakersAreHostOwned(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeSingle, "English", "Italian"))
	manager, _ := newTestManager(t, loader, WithTypeNames(CapabilityGreeter, "English", "Italian", "French"))

	handle, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)
	assert.Equal(t, HostOwned, handle.Owner())
	require.Equal(t, 2, handle.Len())
	assert.Equal(t, "English", handle.Registration(0).TypeName)
	assert.Equal(t, "Italian", handle.Registration(1).TypeName)
	assert.Equal(t, CapabilityGreeter, handle.Registration(0).Capability)

	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counter)
	assert.Equal(t, 2, plugin.unmakeCalls["single"])
}

func TestManager_SingleMakerGreetUnload(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeSingle, "English"))
	manager, _ := newTestManager(t, loader, WithTypeNames(CapabilityGreeter, "English"))

	handle, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)
	assert.Equal(t, HostOwned, handle.Owner())
	require.Equal(t, 1, handle.Len())
	assert.Equal(t, 1, plugin.makeCalls)

	greeters, err := handle.Greeters()
	require.NoError(t, err)
	require.Len(t, greeters, 1)
	require.NoError(t, greeters[0].Greet("world"))
	assert.Equal(t, []string{"English greets world"}, plugin.greetings)

	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counter)
	assert.Equal(t, 1, plugin.unmakeCalls["single"])
	assert.Equal(t, 1, plugin.closes)
	assert.Equal(t, PathUnloaded, manager.State(helloPath))
}

func TestManager_LegacyMakerFallback(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeLegacy))
	manager, _ := newTestManager(t, loader)

	handle, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)
	assert.Equal(t, HostOwned, handle.Owner())
	assert.Equal(t, 1, handle.Len())

	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counter)
	assert.Equal(t, 1, plugin.unmakeCalls["legacy"])
}

func TestManager_AggregateUnmakerPreferred(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregateWithUnmakeAll, "English", "Italian"))
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counter)
	assert.Equal(t, 1, plugin.unmakeCalls["aggregate"])
	assert.Equal(t, 0, plugin.unmakeCalls["factory"])
}

func TestManager_FactoriesUsedWithoutAggregateUnmaker(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate, "English", "Italian", "French"))
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), counter)
	assert.Equal(t, 3, plugin.unmakeCalls["factory"])
}

func TestManager_UnregisterThenUnload(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregateWithUnmakeAll, "English", "Italian"))
	manager, _ := newTestManager(t, loader)

	handle, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	require.NoError(t, manager.Unregister(helloPath, 0))
	assert.True(t, handle.Registration(0).Released())
	assert.Len(t, handle.Registrations(), 1)

	err = manager.Unregister(helloPath, 0)
	assert.True(t, HasErrorCode(err, ErrCodeRegistrationNotFound))
	err = manager.Unregister(helloPath, 7)
	assert.True(t, HasErrorCode(err, ErrCodeRegistrationNotFound))

	// The aggregate unmaker needs the whole array, so the remaining
	// element goes through its factory.
	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counter)
	assert.Equal(t, 0, plugin.unmakeCalls["aggregate"])
	assert.Equal(t, 2, plugin.unmakeCalls["factory"])
}

func TestManager_UnmakeFailureRetainsHandle(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate, "English"))
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	plugin.unmakeFails = true
	_, err = manager.UnloadByPath(ctx, helloPath)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeUnmakeFailed))
	assert.Equal(t, 1, manager.Len())
	assert.Equal(t, PathLoaded, manager.State(helloPath))
	assert.Equal(t, 0, plugin.closes, "library must stay open while registrations are live")

	plugin.unmakeFails = false
	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counter)
	assert.Equal(t, 1, plugin.closes)
}

func TestManager_UnmakerPanicRetainsHandle(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregateWithUnmakeAll))
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	plugin.unmakerPanics = true
	_, err = manager.UnloadByPath(ctx, helloPath)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeUnmakeFailed))
	assert.True(t, HasErrorCode(err, ErrCodeBoundaryPanic))
	assert.Equal(t, 1, manager.Len())
}

func TestManager_CorruptedOwnershipDetectedBeforeUnmake(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate, "English", "Italian"))
	manager, _ := newTestManager(t, loader)

	handle, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)

	handle.array.factories = handle.array.factories[:1]
	_, err = manager.UnloadByPath(ctx, helloPath)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeOwnershipTagInvalid))
	assert.Empty(t, plugin.unmakeCalls, "no unmaker may run on an inconsistent array")
	assert.Equal(t, 1, manager.Len())
}

func TestManager_MalformedArrayIsNeverReleased(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregateWithUnmakeAll, "English", "Italian"))
	plugin.nullEntryAt = 2
	manager, logger := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeOwnershipTagInvalid))
	assert.Empty(t, plugin.unmakeCalls, "a malformed array must not reach any unmaker")
	assert.Equal(t, 1, plugin.closes)
	assert.Equal(t, PathUnloaded, manager.State(helloPath))
	assert.True(t, logger.HasMessage("ERROR", "plugin allocations leaked"))
}

func TestManager_CounterIsPerLibraryInstance(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate, "English", "Italian"))
	manager, _ := newTestManager(t, loader)

	for i := 0; i < 3; i++ {
		_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
		require.NoError(t, err)

		before, err := manager.UnmakerCounter(helloPath)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), before)

		counter, err := manager.UnloadByPath(ctx, helloPath)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), counter, "iteration %d", i)
	}
	assert.Equal(t, uint64(6), plugin.counter)
}

func TestManager_NoCounterReportsZero(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate))
	plugin.withCounter = false
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.NoError(t, err)
	counter, err := manager.UnloadByPath(ctx, helloPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), counter)
}

func TestManager_MissingEntryPoint(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeSingle, "English"))
	manager, _ := newTestManager(t, loader) // English not declared, no legacy maker

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeSymbolNotFound))
	assert.Equal(t, 1, plugin.closes)
	assert.Equal(t, 0, manager.Len())
}

func TestManager_NewerAbiIsReportedAsMismatch(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate))
	plugin.symbolVersion = 2
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeAbiVersionMismatch))
	assert.Equal(t, 0, plugin.makeCalls)
	assert.Equal(t, 1, plugin.closes)
}

func TestManager_VTableVersionMismatchReleasesRegistrations(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate, "English", "Italian"))
	plugin.vtableVersion = 3
	manager, _ := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeAbiVersionMismatch))
	assert.Equal(t, 2, plugin.unmakeCalls["factory"], "registrations must be handed back before close")
	assert.Equal(t, 1, plugin.closes)
	assert.Equal(t, 0, manager.Len())
}

func TestManager_PartialSingleMakersReleased(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeSingle, "English", "Italian"))
	plugin.failMakerAt = 2
	manager, _ := newTestManager(t, loader, WithTypeNames(CapabilityGreeter, "English", "Italian"))

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.Equal(t, 1, plugin.unmakeCalls["single"])
	assert.Equal(t, 1, plugin.closes)
}

func TestManager_FailedCleanupLeavesLibraryOpen(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	plugin := loader.add(helloPath, newTestPlugin(modeAggregate))
	plugin.vtableVersion = 2
	plugin.unmakeFails = true
	manager, logger := newTestManager(t, loader)

	_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
	require.Error(t, err)
	assert.Equal(t, 0, plugin.closes)
	assert.True(t, logger.HasMessage("ERROR", "library left open"))
	assert.Equal(t, PathUnloaded, manager.State(helloPath))
}

func TestManager_OpenRetry(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	loader.add(helloPath, newTestPlugin(modeAggregate))
	loader.transientFailures[helloPath] = 2

	t.Run("without_retry", func(t *testing.T) {
		manager, _ := newTestManager(t, loader)
		_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeLibraryOpenFailed))
	})

	t.Run("with_retry", func(t *testing.T) {
		manager, _ := newTestManager(t, loader, WithOpenRetry(3, time.Millisecond))
		_, err := manager.LoadPlugin(ctx, helloPath, CapabilityGreeter)
		require.NoError(t, err)
		assert.Equal(t, 3, loader.openCalls[helloPath])
	})

	t.Run("missing_file_not_retried", func(t *testing.T) {
		manager, _ := newTestManager(t, loader, WithOpenRetry(5, time.Millisecond))
		_, err := manager.LoadPlugin(ctx, "/plugins/absent.so", CapabilityGreeter)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeLibraryNotFound))
		assert.Equal(t, 1, loader.openCalls["/plugins/absent.so"])
	})
}

func TestManager_UnloadAll(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader()
	loader.add("/plugins/b.so", newTestPlugin(modeAggregate, "English"))
	loader.add("/plugins/a.so", newTestPlugin(modeAggregate, "English", "Italian"))
	manager, _ := newTestManager(t, loader)

	manager.LoadPlugins(ctx, []string{"/plugins/b.so", "/plugins/a.so"}, CapabilityGreeter)
	require.Equal(t, 2, manager.Len())

	results := manager.UnloadAll(ctx)
	require.Len(t, results, 2)
	assert.Equal(t, "/plugins/a.so", results[0].Path)
	assert.Equal(t, uint64(2), results[0].Counter)
	assert.Equal(t, "/plugins/b.so", results[1].Path)
	assert.Equal(t, uint64(1), results[1].Counter)
	assert.Equal(t, 0, manager.Len())
}

func TestManager_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "liba.so", "a")
	writeFile(t, dir, "libb.so", "b")
	writeFile(t, dir, "README.md", "docs")

	loader := newTestLoader()
	loader.fallback = func(string) *testPlugin { return newTestPlugin(modeAggregate) }
	manager, _ := newTestManager(t, loader)

	results, err := manager.LoadDir(context.Background(), dir, CapabilityGreeter, "*.so")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, 2, manager.Len())

	_, err = manager.LoadDir(context.Background(), dir, CapabilityGreeter, "[")
	assert.True(t, HasErrorCode(err, ErrCodeInvalidWatchOptions))
}

func TestManager_IllegalTransitionPanics(t *testing.T) {
	manager, _ := newTestManager(t, newTestLoader())
	assert.Panics(t, func() { manager.setState(helloPath, PathLoaded) })
}
