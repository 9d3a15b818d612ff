// manager.go: plugin manager owning every loaded library and its registrations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/trace"
)

// Manager loads and unloads native plugin libraries and tracks the
// registrations they produce.
//
// A Manager is confined to one goroutine: every method, and every call made
// through a handle or proxy it returned, must happen on the goroutine that
// owns it. Watchers may run elsewhere but only deliver paths
// (see StartWatchBackground and ProcessWatchNotificationsBlocking).
//
// Example usage:
//
//	manager := NewManager(
//	    WithLogger(logger),
//	    WithTypeNames(CapabilityGreeter, "English", "Italian"),
//	)
//	results := manager.LoadPlugins(ctx, []string{"./plugins/libhello.so"}, CapabilityGreeter)
//	for _, r := range results {
//	    if r.Err != nil {
//	        continue
//	    }
//	    greeters, _ := r.Handle.Greeters()
//	    _ = greeters[0].Greet("world")
//	}
//	counter, err := manager.UnloadByPath(ctx, "./plugins/libhello.so")
type Manager struct {
	logger  Logger
	loader  Loader
	metrics MetricsCollector
	tracer  trace.Tracer
	now     func() time.Time

	validator *LibraryValidator

	typeNames      map[Capability][]string
	openRetries    uint64
	openRetryDelay time.Duration

	handles map[string]*PluginHandle
	states  map[string]PathState
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Accepts anything NewLogger accepts.
func WithLogger(logger any) ManagerOption {
	return func(m *Manager) {
		m.logger = NewLogger(logger)
	}
}

// WithLoader replaces the native loader, for example with an in-process one.
func WithLoader(loader Loader) ManagerOption {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithTypeNames declares the implementation type names probed through
// plugin_register_<Cap>_<Type>_v1 when a library has no aggregate maker.
func WithTypeNames(c Capability, names ...string) ManagerOption {
	return func(m *Manager) {
		m.typeNames[c] = append(m.typeNames[c], names...)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector MetricsCollector) ManagerOption {
	return func(m *Manager) {
		if collector != nil {
			m.metrics = collector
		}
	}
}

// WithTracer sets the tracer used for load and unload spans.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithOpenRetry retries opening a library that the dynamic loader rejected,
// which happens while a plugin file is still being written. Missing files
// are never retried.
func WithOpenRetry(retries int, delay time.Duration) ManagerOption {
	return func(m *Manager) {
		if retries < 0 {
			retries = 0
		}
		if delay <= 0 {
			delay = DefaultOpenRetryDelay
		}
		m.openRetries = uint64(retries)
		m.openRetryDelay = delay
	}
}

// WithLibraryValidator checks every library file against an allowlist before
// it is opened.
func WithLibraryValidator(v *LibraryValidator) ManagerOption {
	return func(m *Manager) {
		m.validator = v
	}
}

// DefaultOpenRetryDelay is used by WithOpenRetry when no positive delay is given.
const DefaultOpenRetryDelay = 50 * time.Millisecond

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:         NewNoOpLogger(),
		loader:         NewNativeLoader(),
		metrics:        NoOpMetrics{},
		tracer:         defaultTracer(),
		now:            timecache.CachedTime,
		typeNames:      make(map[Capability][]string),
		openRetryDelay: DefaultOpenRetryDelay,
		handles:        make(map[string]*PluginHandle),
		states:         make(map[string]PathState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadResult is the outcome of loading one path.
type LoadResult struct {
	Path   string
	Handle *PluginHandle
	Err    error
}

// UnloadResult is the outcome of unloading one path.
type UnloadResult struct {
	Path    string
	Counter uint64
	Err     error
}

// LoadPlugins loads every path for capability c. A failure on one path
// never stops the others; results keep the order of paths.
func (m *Manager) LoadPlugins(ctx context.Context, paths []string, c Capability) []LoadResult {
	results := make([]LoadResult, 0, len(paths))
	for _, p := range paths {
		path := cleanPath(p)
		if err := ctx.Err(); err != nil {
			results = append(results, LoadResult{Path: path, Err: err})
			continue
		}
		h, err := m.loadOne(ctx, path, c)
		results = append(results, LoadResult{Path: path, Handle: h, Err: err})
	}
	return results
}

// LoadPlugin loads a single path.
func (m *Manager) LoadPlugin(ctx context.Context, path string, c Capability) (*PluginHandle, error) {
	r := m.LoadPlugins(ctx, []string{path}, c)[0]
	return r.Handle, r.Err
}

// LoadDir loads every file in dir whose name matches patterns (the platform
// default when empty). Subdirectories are not scanned.
func (m *Manager) LoadDir(ctx context.Context, dir string, c Capability, patterns ...string) ([]LoadResult, error) {
	matcher, err := newPathMatcher(patterns)
	if err != nil {
		return nil, err
	}
	paths, err := matcher.scan(dir, false)
	if err != nil {
		return nil, NewWatcherError(dir, err)
	}
	return m.LoadPlugins(ctx, paths, c), nil
}

func (m *Manager) loadOne(ctx context.Context, path string, c Capability) (*PluginHandle, error) {
	ctx, span := startSpan(ctx, m.tracer, "dynplugins.load", path, c)
	start := time.Now()

	h, err := m.load(ctx, path, c)

	endSpan(span, err)
	result := "ok"
	if err != nil {
		result = errorLabel(err)
		m.logger.Warn("Plugin load failed", "path", path, "capability", c.String(), "error", err)
	} else {
		m.logger.Info("Plugin loaded",
			"path", path,
			"capability", c.String(),
			"registrations", h.Len(),
			"owner", h.Owner().String())
	}
	m.metrics.IncrementCounter(MetricLoadsTotal, map[string]string{"capability": c.String(), "result": result}, 1)
	m.metrics.RecordHistogram(MetricLoadDuration, map[string]string{"capability": c.String()}, time.Since(start).Seconds())
	m.metrics.SetGauge(MetricLoadedLibraries, map[string]string{}, float64(len(m.handles)))
	return h, err
}

func (m *Manager) load(ctx context.Context, path string, c Capability) (*PluginHandle, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if _, ok := m.handles[path]; ok {
		return nil, NewAlreadyLoadedError(path)
	}
	if state := m.states[path]; state != PathUnloaded {
		return nil, NewAlreadyLoadedError(path).WithContext("state", state.String())
	}

	m.setState(path, PathLoading)
	h, err := m.construct(ctx, path, c)
	if err != nil {
		m.setState(path, PathUnloaded)
		return nil, err
	}
	m.handles[path] = h
	m.setState(path, PathLoaded)
	return h, nil
}

// construct opens the library, runs its maker and validates the result.
// On failure the library is closed again, after releasing anything the
// maker already produced.
func (m *Manager) construct(ctx context.Context, path string, c Capability) (*PluginHandle, error) {
	if m.validator != nil {
		if err := m.validator.Validate(path); err != nil {
			return nil, err
		}
	}
	lib, err := m.open(ctx, path)
	if err != nil {
		return nil, err
	}

	h := &PluginHandle{
		id:         ulid.Make(),
		path:       path,
		capability: c,
		lib:        lib,
	}

	arr, err := m.makeRegistrations(h)
	if err != nil {
		if arr != nil && arr.Len() > 0 {
			h.array = arr
			m.abandon(h)
		} else {
			m.closeQuietly(lib)
		}
		return nil, err
	}
	h.array = arr

	if _, err := resolveOptional(lib, AggregateUnmakerSymbol(c), &h.aggregateUnmaker); err != nil {
		m.abandon(h)
		return nil, err
	}
	if _, err := resolveOptional(lib, CounterSymbol(c), &h.counter); err != nil {
		m.abandon(h)
		return nil, err
	}
	if err := validateRegistrations(h); err != nil {
		m.abandon(h)
		return nil, err
	}
	if h.counter != nil {
		if err := m.guard("unmaker_counter", func() { h.counterBaseline = h.counter() }); err != nil {
			m.abandon(h)
			return nil, err
		}
	}
	h.loadedAt = m.now()
	return h, nil
}

func (m *Manager) open(ctx context.Context, path string) (Library, error) {
	var lib Library
	openOnce := func() error {
		var openErr error
		if err := m.guard("open", func() { lib, openErr = m.loader.Open(path) }); err != nil {
			return err
		}
		return openErr
	}
	if m.openRetries == 0 {
		if err := openOnce(); err != nil {
			return nil, err
		}
		return lib, nil
	}

	backoff := retry.WithMaxRetries(m.openRetries, retry.NewConstant(m.openRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := openOnce()
		if err != nil && HasErrorCode(err, ErrCodeLibraryOpenFailed) {
			m.logger.Debug("Retrying plugin library open", "path", path, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return lib, nil
}

// makeRegistrations runs the aggregate maker, or else the single makers.
// When a single maker fails after others succeeded, the partial array is
// returned alongside the error so the caller can release it.
func (m *Manager) makeRegistrations(h *PluginHandle) (*RegistrationArray, error) {
	c := h.capability

	var makeAll AggregateMakerFunc
	found, err := resolveOptional(h.lib, AggregateMakerSymbol(c), &makeAll)
	if err != nil {
		return nil, err
	}
	if found {
		var arr *RegistrationArray
		var makeErr error
		if err := m.guard("aggregate_maker", func() { arr, makeErr = makeAll() }); err != nil {
			return nil, err
		}
		if makeErr != nil {
			if HasErrorCode(makeErr, ErrCodeOwnershipTagInvalid) {
				// A malformed array is never handed to an unmaker.
				m.logger.Error("Malformed registration array rejected, plugin allocations leaked",
					"path", h.path, "capability", c.String(), "error", makeErr)
			}
			return nil, makeErr
		}
		if arr == nil {
			return nil, NewEmptyRegistrationError(h.path, c)
		}
		stampCapability(arr, c)
		return arr, nil
	}

	var regs []*Registration
	partial := func() *RegistrationArray {
		arr, _ := NewRegistrationArray(regs, nil)
		return arr
	}
	typedFound := false
	for _, info := range makerCandidates(c, m.typeNamesFor(c), ABIVersion) {
		if info.Role == RoleLegacyMaker && typedFound {
			break
		}
		var mk MakerFunc
		ok, err := resolveOptional(h.lib, info.Name(), &mk)
		if err != nil {
			return partial(), err
		}
		if !ok {
			continue
		}
		typedFound = typedFound || info.Role == RoleMaker

		var reg *Registration
		var makeErr error
		if err := m.guard(info.Role.String(), func() { reg, makeErr = mk() }); err != nil {
			return partial(), err
		}
		if makeErr != nil {
			return partial(), makeErr
		}
		if reg == nil {
			return partial(), NewEmptyRegistrationError(h.path, c).WithContext("symbol", info.Name())
		}
		if reg.TypeName == "" {
			reg.TypeName = info.TypeName
		}
		regs = append(regs, reg)
	}

	if len(regs) == 0 {
		return nil, m.missingEntryPoint(h)
	}
	arr, err := NewRegistrationArray(regs, nil)
	if err != nil {
		return nil, err
	}
	stampCapability(arr, c)
	return arr, nil
}

// missingEntryPoint tells an ABI version mismatch apart from a library that
// simply is not a plugin for this capability.
func (m *Manager) missingEntryPoint(h *PluginHandle) error {
	names := m.typeNamesFor(h.capability)
	for v := ABIVersion + 1; v <= maxProbedABIVersion; v++ {
		var makeAll AggregateMakerFunc
		if ok, _ := resolveOptional(h.lib, SymbolInfo{Role: RoleAggregateMaker, Capability: h.capability, Version: v}.Name(), &makeAll); ok {
			return NewAbiVersionMismatchError(h.path, ABIVersion, v)
		}
		for _, info := range makerCandidates(h.capability, names, v) {
			var mk MakerFunc
			if ok, _ := resolveOptional(h.lib, info.Name(), &mk); ok {
				return NewAbiVersionMismatchError(h.path, ABIVersion, v)
			}
		}
	}
	return NewSymbolNotFoundError(h.path, entrySymbols(h.capability, names, ABIVersion))
}

func validateRegistrations(h *PluginHandle) error {
	if h.array.Len() == 0 {
		return NewEmptyRegistrationError(h.path, h.capability)
	}
	for i := 0; i < h.array.Len(); i++ {
		reg := h.array.At(i)
		if reg.VTable == nil {
			return NewEmptyRegistrationError(h.path, h.capability).WithContext("index", i)
		}
		if v := reg.VTable.ABIVersion(); v != ABIVersion {
			return NewAbiVersionMismatchError(h.path, ABIVersion, v).WithContext("type_name", reg.TypeName)
		}
		if got := reg.VTable.Capability(); got != h.capability {
			return NewInvalidCapabilityError(got.String()).
				WithContext("path", h.path).
				WithContext("expected", h.capability.String())
		}
	}
	return nil
}

func stampCapability(arr *RegistrationArray, c Capability) {
	for i := 0; i < arr.Len(); i++ {
		if reg := arr.At(i); reg.Capability == "" {
			reg.Capability = c
		}
	}
}

// abandon releases what a failed load produced and closes the library. If
// the release fails the library is deliberately left open: closing it would
// leave the plugin's registrations pointing into unmapped code.
func (m *Manager) abandon(h *PluginHandle) {
	if err := m.releaseAll(h); err != nil {
		m.logger.Error("Failed to release registrations of a failed load, library left open",
			"path", h.path, "error", err)
		return
	}
	m.closeQuietly(h.lib)
}

func (m *Manager) closeQuietly(lib Library) {
	if err := lib.Close(); err != nil {
		m.logger.Warn("Failed to close plugin library", "path", lib.Path(), "error", err)
	}
}

// UnloadByPath releases every registration of the library loaded from path,
// reads its unmaker counter and closes it. If the release fails the handle
// stays loaded and the error carries ErrCodeUnmakeFailed.
func (m *Manager) UnloadByPath(ctx context.Context, path string) (uint64, error) {
	path = cleanPath(path)
	h, ok := m.handles[path]
	if !ok {
		return 0, NewNotLoadedError(path)
	}

	_, span := startSpan(ctx, m.tracer, "dynplugins.unload", path, h.capability)
	counter, err := m.unload(h)
	endSpan(span, err)

	result := "ok"
	if err != nil {
		result = errorLabel(err)
	}
	m.metrics.IncrementCounter(MetricUnloadsTotal, map[string]string{"capability": h.capability.String(), "result": result}, 1)
	m.metrics.SetGauge(MetricLoadedLibraries, map[string]string{}, float64(len(m.handles)))
	return counter, err
}

func (m *Manager) unload(h *PluginHandle) (uint64, error) {
	m.setState(h.path, PathUnloading)
	if err := m.releaseAll(h); err != nil {
		m.setState(h.path, PathLoaded)
		if !HasErrorCode(err, ErrCodeOwnershipTagInvalid) {
			err = NewUnmakeFailedError(h.path, h.capability, err)
		}
		m.logger.Error("Plugin unload failed, handle retained", "path", h.path, "error", err)
		return 0, err
	}

	// The counter getter lives in the library, so read it before closing.
	counter, err := h.readCounter(m.guard)
	if err != nil {
		m.logger.Warn("Failed to read unmaker counter", "path", h.path, "error", err)
		counter = 0
	}

	delete(m.handles, h.path)
	m.setState(h.path, PathUnloaded)

	if err := h.lib.Close(); err != nil {
		m.logger.Warn("Plugin unloaded but library close failed", "path", h.path, "error", err)
		return counter, err
	}
	m.logger.Info("Plugin unloaded", "path", h.path, "capability", h.capability.String(), "unmaker_counter", counter)
	return counter, nil
}

// UnloadAll unloads every loaded library in path order.
func (m *Manager) UnloadAll(ctx context.Context) []UnloadResult {
	paths := m.Paths()
	results := make([]UnloadResult, 0, len(paths))
	for _, p := range paths {
		counter, err := m.UnloadByPath(ctx, p)
		results = append(results, UnloadResult{Path: p, Counter: counter, Err: err})
	}
	return results
}

// Unregister releases the registration at index of the library loaded from
// path without unloading the library. Later unloads release the remaining
// registrations one by one.
func (m *Manager) Unregister(path string, index int) error {
	path = cleanPath(path)
	h, ok := m.handles[path]
	if !ok {
		return NewNotLoadedError(path)
	}
	if err := m.releaseOne(h, index); err != nil {
		if HasErrorCode(err, ErrCodeRegistrationNotFound) || HasErrorCode(err, ErrCodeOwnershipTagInvalid) {
			return err
		}
		return NewUnmakeFailedError(path, h.capability, err).WithContext("index", index)
	}
	m.logger.Debug("Registration released", "path", path, "index", index)
	return nil
}

// UnmakerCounter reads the counter of a loaded library without unloading it.
func (m *Manager) UnmakerCounter(path string) (uint64, error) {
	h, ok := m.handles[cleanPath(path)]
	if !ok {
		return 0, NewNotLoadedError(path)
	}
	return h.readCounter(m.guard)
}

// Handle returns the handle loaded from path.
func (m *Manager) Handle(path string) (*PluginHandle, bool) {
	h, ok := m.handles[cleanPath(path)]
	return h, ok
}

// Paths returns the loaded paths in lexical order.
func (m *Manager) Paths() []string {
	paths := make([]string, 0, len(m.handles))
	for p := range m.handles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of loaded libraries.
func (m *Manager) Len() int {
	return len(m.handles)
}

// guard wraps guardCall and counts contained panics.
func (m *Manager) guard(operation string, fn func()) error {
	err := guardCall(operation, fn)
	if err != nil {
		m.metrics.IncrementCounter(MetricBoundaryPanicsTotal, map[string]string{"operation": operation}, 1)
		m.logger.Error("Panic contained at plugin boundary", "operation", operation, "error", err)
	}
	return err
}

func (m *Manager) typeNamesFor(c Capability) []string {
	names := make([]string, 0, len(m.typeNames[c]))
	for _, n := range m.typeNames[c] {
		if validateIdentifier(n) != nil {
			m.logger.Warn("Ignoring invalid implementation type name", "capability", c.String(), "type_name", n)
			continue
		}
		names = append(names, n)
	}
	return names
}

func cleanPath(path string) string {
	return filepath.Clean(path)
}

func errorLabel(err error) string {
	if code := ErrorCodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}
