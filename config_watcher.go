// config_watcher.go: hot reload of the host configuration file powered by Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcherOptions tunes the Argus watcher behind ConfigWatcher.
type ConfigWatcherOptions struct {
	// How often Argus polls the file
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Cache TTL for file stat operations
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// Audit trail of configuration changes (disabled by default)
	AuditConfig argus.AuditConfig `json:"audit_config" yaml:"audit_config"`

	// Custom error handler for watching errors
	ErrorHandler func(error, string) `json:"-" yaml:"-"`
}

// DefaultConfigWatcherOptions polls every two seconds without auditing.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     time.Second,
	}
}

// ConfigChangeHandler receives the previous and the new configuration.
// It runs on the Argus goroutine: hand the configuration over to the
// goroutine that owns the Manager instead of touching the Manager here.
type ConfigChangeHandler func(old, updated *HostConfig)

// ConfigWatcher reloads a HostConfig whenever its file changes. Files that
// fail to parse or validate are ignored and the previous configuration stays
// current. A stopped watcher cannot be restarted.
type ConfigWatcher struct {
	path        string
	options     ConfigWatcherOptions
	logger      Logger
	watcher     *argus.Watcher
	auditLogger *argus.AuditLogger
	onChange    ConfigChangeHandler

	current  atomic.Pointer[HostConfig]
	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	mutex    sync.Mutex
}

// NewConfigWatcher prepares a watcher for path. Nothing is read until Start.
func NewConfigWatcher(path string, options ConfigWatcherOptions, onChange ConfigChangeHandler, logger any) (*ConfigWatcher, error) {
	internalLogger := NewLogger(logger)
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	var auditLogger *argus.AuditLogger
	if options.AuditConfig.Enabled {
		var err error
		auditLogger, err = argus.NewAuditLogger(options.AuditConfig)
		if err != nil {
			return nil, NewConfigWatcherError("failed to create audit logger", err)
		}
	}

	return &ConfigWatcher{
		path:        path,
		options:     options,
		logger:      internalLogger.With("config_path", path),
		watcher:     argus.New(argusConfigFor(options, internalLogger)),
		auditLogger: auditLogger,
		onChange:    onChange,
	}, nil
}

func argusConfigFor(options ConfigWatcherOptions, logger Logger) argus.Config {
	return argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		Audit:                options.AuditConfig,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			if options.ErrorHandler != nil {
				options.ErrorHandler(err, filepath)
				return
			}
			logger.Error("Host config file watching error", "error", err, "file", filepath)
		},
	}
}

// Start loads the initial configuration and begins watching. The handler
// is not called for the initial load; use Current.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	if !cw.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	initial, err := LoadHostConfig(cw.path)
	if err != nil {
		cw.enabled.Store(false)
		return err
	}
	cw.current.Store(initial)

	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to watch host config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}

	cw.logger.Info("Host config watcher started", "poll_interval", cw.options.PollInterval)
	cw.auditEvent("host_config_watcher_started", map[string]interface{}{
		"plugin_dir": initial.PluginDir,
		"capability": initial.Capability,
	})
	return nil
}

// Stop ends watching permanently.
func (cw *ConfigWatcher) Stop() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher is already stopped", nil)
	}

	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mutex.Lock()
		defer cw.mutex.Unlock()

		if !cw.enabled.CompareAndSwap(true, false) {
			stopErr = NewConfigWatcherError("config watcher is not running", nil)
			return
		}
		cw.stopped.Store(true)

		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
		}
		cw.auditEvent("host_config_watcher_stopped", map[string]interface{}{
			"clean_shutdown": stopErr == nil,
		})
		if cw.auditLogger != nil {
			if err := cw.auditLogger.Close(); err != nil {
				cw.logger.Warn("Failed to close audit logger", "error", err)
			}
		}
		cw.logger.Info("Host config watcher stopped")
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (cw *ConfigWatcher) IsRunning() bool {
	return cw.enabled.Load() && !cw.stopped.Load()
}

// Current returns the last configuration that loaded successfully.
func (cw *ConfigWatcher) Current() *HostConfig {
	return cw.current.Load()
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Host config file was deleted, keeping current configuration")
		cw.auditEvent("host_config_deleted", nil)
		return
	}

	updated, err := LoadHostConfig(event.Path)
	if err != nil {
		cw.logger.Error("Failed to reload host config, keeping current configuration", "error", err)
		cw.auditEvent("host_config_reload_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	old := cw.current.Swap(updated)
	cw.logger.Info("Host config reloaded",
		"plugin_dir", updated.PluginDir,
		"capability", updated.Capability)
	cw.auditEvent("host_config_reloaded", map[string]interface{}{
		"plugin_dir": updated.PluginDir,
		"capability": updated.Capability,
	})

	if cw.onChange != nil {
		defer withCustomRecoveryHandler(func(recovered any, stack []byte) {
			cw.logger.Error("Panic recovered in host config change handler", "panic", recovered, "stack", string(stack))
		})()
		cw.onChange(old, updated)
	}
}

func (cw *ConfigWatcher) auditEvent(eventType string, context map[string]interface{}) {
	if cw.auditLogger == nil {
		return
	}
	if context == nil {
		context = make(map[string]interface{})
	}
	context["component"] = "host_config_watcher"
	context["path"] = cw.path
	context["pid"] = os.Getpid()
	cw.auditLogger.LogSecurityEvent(eventType, "Host configuration change", context)
}
