// config.go: host configuration file for plugin directory, capability and watch policy
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the configuration file read into memory.
const maxConfigSize = 1 << 20

// HostConfig describes what a host loads and how it watches for changes.
//
// Example (YAML):
//
//	plugin_dir: ./plugins
//	capability: Greeter
//	type_names:
//	  Greeter: [English, Italian]
//	watch:
//	  debounce: 300ms
//	  auto_load: true
//	  auto_unload: true
//	  patterns: ["*.so"]
//	metrics:
//	  enabled: true
//	  namespace: dynplugins
//	security:
//	  policy: strict
//	  allowlist_file: ./allowlist.json
type HostConfig struct {
	PluginDir  string              `json:"plugin_dir" yaml:"plugin_dir"`
	Capability string              `json:"capability" yaml:"capability"`
	TypeNames  map[string][]string `json:"type_names" yaml:"type_names"`
	Watch      WatchConfig         `json:"watch" yaml:"watch"`
	Metrics    MetricsConfig       `json:"metrics" yaml:"metrics"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
}

// WatchConfig is the file form of WatchOptions. Durations are strings
// accepted by time.ParseDuration; unset booleans keep their defaults.
type WatchConfig struct {
	Debounce       string   `json:"debounce" yaml:"debounce"`
	Recursive      *bool    `json:"recursive" yaml:"recursive"`
	AutoLoad       *bool    `json:"auto_load" yaml:"auto_load"`
	AutoUnload     *bool    `json:"auto_unload" yaml:"auto_unload"`
	EmitProxies    *bool    `json:"emit_proxies" yaml:"emit_proxies"`
	LoadExisting   *bool    `json:"load_existing" yaml:"load_existing"`
	Patterns       []string `json:"patterns" yaml:"patterns"`
	OpenRetries    *int     `json:"open_retries" yaml:"open_retries"`
	OpenRetryDelay string   `json:"open_retry_delay" yaml:"open_retry_delay"`
	BufferSize     *int     `json:"buffer_size" yaml:"buffer_size"`
}

// MetricsConfig enables the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// SecurityConfig selects the library allowlist. Policy is "disabled",
// "permissive" or "strict".
type SecurityConfig struct {
	Policy        string `json:"policy" yaml:"policy"`
	AllowlistFile string `json:"allowlist_file" yaml:"allowlist_file"`
}

// LoadHostConfig reads, parses and validates a YAML or JSON configuration
// file. The format is detected from the file extension.
func LoadHostConfig(path string) (*HostConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewConfigNotFoundError(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, NewConfigNotFoundError(path, fmt.Errorf("not a regular file"))
	}
	if info.Size() > maxConfigSize {
		return nil, NewConfigValidationError(fmt.Sprintf("configuration file too large: %d bytes", info.Size()), nil).
			WithContext("path", path)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is provided by the host
	if err != nil {
		return nil, NewConfigNotFoundError(path, err)
	}
	return ParseHostConfig(path, data)
}

// ParseHostConfig parses data in the format implied by path's extension.
func ParseHostConfig(path string, data []byte) (*HostConfig, error) {
	var cfg HostConfig
	switch format := argus.DetectFormat(path); format {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, NewConfigParseError(path, err)
		}
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, NewConfigParseError(path, err)
		}
	default:
		return nil, NewUnsupportedConfigFormatError(path, fmt.Sprint(format))
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields and expands environment variables in
// PluginDir.
func (c *HostConfig) ApplyDefaults() {
	if c.Capability == "" {
		c.Capability = CapabilityGreeter.String()
	}
	if c.PluginDir == "" {
		c.PluginDir = "plugins"
	}
	c.PluginDir = os.ExpandEnv(c.PluginDir)
	c.Security.AllowlistFile = os.ExpandEnv(c.Security.AllowlistFile)
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "dynplugins"
	}
}

// Validate checks names and the watch section.
func (c *HostConfig) Validate() error {
	if err := Capability(c.Capability).Validate(); err != nil {
		return NewConfigValidationError("capability must be an identifier", err).WithContext("capability", c.Capability)
	}
	for capability, names := range c.TypeNames {
		if err := validateIdentifier(capability); err != nil {
			return NewConfigValidationError("type_names keys must be capabilities", err).WithContext("capability", capability)
		}
		for _, n := range names {
			if err := validateIdentifier(n); err != nil {
				return NewConfigValidationError("type names must be identifiers", err).WithContext("type_name", n)
			}
		}
	}
	policy, err := ParseAllowlistPolicy(c.Security.Policy)
	if err != nil {
		return NewConfigValidationError("invalid security.policy", err).WithContext("policy", c.Security.Policy)
	}
	if policy != AllowlistDisabled && c.Security.AllowlistFile == "" {
		return NewConfigValidationError("security.allowlist_file is required when the allowlist is enabled", nil)
	}
	opts, err := c.WatchOptions()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return NewConfigValidationError("invalid watch section", err)
	}
	return nil
}

// CapabilityID returns the configured capability.
func (c *HostConfig) CapabilityID() Capability {
	return Capability(c.Capability)
}

// WatchOptions converts the watch section, starting from DefaultWatchOptions.
func (c *HostConfig) WatchOptions() (WatchOptions, error) {
	opts := DefaultWatchOptions()
	w := c.Watch
	if w.Debounce != "" {
		d, err := time.ParseDuration(w.Debounce)
		if err != nil {
			return opts, NewConfigValidationError("watch.debounce is not a duration", err)
		}
		opts.Debounce = d
	}
	if w.OpenRetryDelay != "" {
		d, err := time.ParseDuration(w.OpenRetryDelay)
		if err != nil {
			return opts, NewConfigValidationError("watch.open_retry_delay is not a duration", err)
		}
		opts.OpenRetryDelay = d
	}
	setBool(&opts.Recursive, w.Recursive)
	setBool(&opts.AutoLoad, w.AutoLoad)
	setBool(&opts.AutoUnload, w.AutoUnload)
	setBool(&opts.EmitProxies, w.EmitProxies)
	setBool(&opts.LoadExisting, w.LoadExisting)
	if w.OpenRetries != nil {
		opts.OpenRetries = *w.OpenRetries
	}
	if w.BufferSize != nil {
		opts.BufferSize = *w.BufferSize
	}
	if len(w.Patterns) > 0 {
		opts.Patterns = append([]string(nil), w.Patterns...)
	}
	return opts, nil
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// ManagerOptions returns the manager options implied by the configuration.
// The metrics collector, when enabled, registers on the default registry.
func (c *HostConfig) ManagerOptions() []ManagerOption {
	caps := make([]string, 0, len(c.TypeNames))
	for capability := range c.TypeNames {
		caps = append(caps, capability)
	}
	sort.Strings(caps)

	opts := make([]ManagerOption, 0, len(caps)+1)
	for _, capability := range caps {
		opts = append(opts, WithTypeNames(Capability(capability), c.TypeNames[capability]...))
	}
	if c.Metrics.Enabled {
		opts = append(opts, WithMetrics(NewPrometheusCollector(nil, c.Metrics.Namespace)))
	}
	return opts
}

// LibraryValidator builds the allowlist validator of the security section.
// It returns nil when the allowlist is disabled.
func (c *HostConfig) LibraryValidator(logger any) (*LibraryValidator, error) {
	policy, err := ParseAllowlistPolicy(c.Security.Policy)
	if err != nil {
		return nil, NewConfigValidationError("invalid security.policy", err)
	}
	if policy == AllowlistDisabled {
		return nil, nil
	}
	return NewLibraryValidator(policy, c.Security.AllowlistFile, logger)
}
