// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for real paired-device deployments.
	Production Environment = "production"
)

// Config is the master configuration for Sidecall.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// Backend configures the realtime backend connection.
	Backend BackendConfig `yaml:"backend"`

	// Device identifies this desktop to the paired phone.
	Device DeviceConfig `yaml:"device"`

	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Call configures call handling timeouts and the ringtone.
	Call CallConfig `yaml:"call"`

	// Media configures WebRTC audio sessions.
	Media MediaConfig `yaml:"media"`

	// Transfer configures file transfer chunking and compression.
	Transfer TransferConfig `yaml:"transfer"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Backend  *BackendConfig  `yaml:"backend,omitempty"`
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Call     *CallConfig     `yaml:"call,omitempty"`
	Media    *MediaConfig    `yaml:"media,omitempty"`
	Transfer *TransferConfig `yaml:"transfer,omitempty"`
	Log      *LogConfig      `yaml:"log,omitempty"`
}

// BackendConfig configures the realtime backend connection.
type BackendConfig struct {
	// URL is the websocket endpoint of the realtime backend.
	// Example: wss://sidecall-demo.example.com/ws
	URL string `yaml:"url"`

	// TokenFile is the path to the file holding the backend auth token.
	// The token itself never appears in the config file.
	TokenFile string `yaml:"token_file"`

	// ReconnectMin is the initial reconnect backoff.
	// Default: 1s
	ReconnectMin string `yaml:"reconnect_min"`

	// ReconnectMax is the backoff ceiling.
	// Default: 30s
	ReconnectMax string `yaml:"reconnect_max"`
}

// DeviceConfig identifies this desktop to the paired phone.
type DeviceConfig struct {
	// Name is the human-readable name shown on the phone during
	// pairing. Default: the machine hostname.
	Name string `yaml:"name"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// Root is the base directory for Sidecall data.
	Root string `yaml:"root"`

	// State is where runtime state files live (pairing registry,
	// sync cursors, transfer resume journals).
	State string `yaml:"state"`

	// HistoryDB is the SQLite database mirroring call history and
	// messages.
	HistoryDB string `yaml:"history_db"`

	// Downloads is where received file transfers are written.
	Downloads string `yaml:"downloads"`
}

// CallConfig configures call handling timeouts and the ringtone.
type CallConfig struct {
	// ConnectTimeout is how long an answered call may stay in
	// connecting before it fails. Default: 30s
	ConnectTimeout string `yaml:"connect_timeout"`

	// AutoAcknowledge is how long a terminal call outcome stays
	// displayed before the call slot resets on its own. Default: 5s
	AutoAcknowledge string `yaml:"auto_acknowledge"`

	// Ringtone is the path to the ringtone sound file. Empty means
	// the system default sound.
	Ringtone string `yaml:"ringtone"`
}

// MediaConfig configures WebRTC audio sessions.
type MediaConfig struct {
	// STUNServers lists STUN server URLs for ICE gathering.
	// Default: stun:stun.l.google.com:19302
	STUNServers []string `yaml:"stun_servers"`
}

// TransferConfig configures file transfer chunking and compression.
type TransferConfig struct {
	// Compression selects the chunk compression codec. "auto" picks
	// per file by MIME type.
	// Values: "auto", "zstd", "lz4", "none". Default: auto
	Compression string `yaml:"compression"`

	// ChunkSizeKiB is the plaintext chunk size in KiB. Default: 256
	ChunkSizeKiB int `yaml:"chunk_size_kib"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum level emitted.
	// Values: "debug", "info", "warn", "error". Default: debug
	// (development), info (production).
	Level string `yaml:"level"`

	// Format selects the handler.
	// Values: "text", "json". Default: text (development),
	// json (production).
	Format string `yaml:"format"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".sidecall")
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "desktop"
	}

	return &Config{
		Environment: Development,
		Backend: BackendConfig{
			ReconnectMin: "1s",
			ReconnectMax: "30s",
		},
		Device: DeviceConfig{
			Name: hostname,
		},
		Paths: PathsConfig{
			Root:      defaultRoot,
			State:     filepath.Join(defaultRoot, "state"),
			HistoryDB: filepath.Join(defaultRoot, "history.db"),
			Downloads: filepath.Join(defaultRoot, "downloads"),
		},
		Call: CallConfig{
			ConnectTimeout:  "30s",
			AutoAcknowledge: "5s",
		},
		Media: MediaConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Transfer: TransferConfig{
			Compression:  "auto",
			ChunkSizeKiB: 256,
		},
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
		},
	}
}

// Load loads configuration from the SIDECALL_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if SIDECALL_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no hidden
// overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("SIDECALL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SIDECALL_CONFIG environment variable not set; " +
			"set it to the path of your sidecall.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: quieter, machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{
					Level:  "info",
					Format: "json",
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Backend != nil {
		if overrides.Backend.URL != "" {
			c.Backend.URL = overrides.Backend.URL
		}
		if overrides.Backend.TokenFile != "" {
			c.Backend.TokenFile = overrides.Backend.TokenFile
		}
		if overrides.Backend.ReconnectMin != "" {
			c.Backend.ReconnectMin = overrides.Backend.ReconnectMin
		}
		if overrides.Backend.ReconnectMax != "" {
			c.Backend.ReconnectMax = overrides.Backend.ReconnectMax
		}
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.HistoryDB != "" {
			c.Paths.HistoryDB = overrides.Paths.HistoryDB
		}
		if overrides.Paths.Downloads != "" {
			c.Paths.Downloads = overrides.Paths.Downloads
		}
	}

	if overrides.Call != nil {
		if overrides.Call.ConnectTimeout != "" {
			c.Call.ConnectTimeout = overrides.Call.ConnectTimeout
		}
		if overrides.Call.AutoAcknowledge != "" {
			c.Call.AutoAcknowledge = overrides.Call.AutoAcknowledge
		}
		if overrides.Call.Ringtone != "" {
			c.Call.Ringtone = overrides.Call.Ringtone
		}
	}

	if overrides.Media != nil {
		if len(overrides.Media.STUNServers) > 0 {
			c.Media.STUNServers = overrides.Media.STUNServers
		}
	}

	if overrides.Transfer != nil {
		if overrides.Transfer.Compression != "" {
			c.Transfer.Compression = overrides.Transfer.Compression
		}
		if overrides.Transfer.ChunkSizeKiB != 0 {
			c.Transfer.ChunkSizeKiB = overrides.Transfer.ChunkSizeKiB
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"SIDECALL_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["SIDECALL_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.HistoryDB = expandVars(c.Paths.HistoryDB, vars)
	c.Paths.Downloads = expandVars(c.Paths.Downloads, vars)
	c.Backend.TokenFile = expandVars(c.Backend.TokenFile, vars)
	c.Call.Ringtone = expandVars(c.Call.Ringtone, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Backend.URL == "" {
		errs = append(errs, fmt.Errorf("backend.url is required"))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"backend.reconnect_min", c.Backend.ReconnectMin},
		{"backend.reconnect_max", c.Backend.ReconnectMax},
		{"call.connect_timeout", c.Call.ConnectTimeout},
		{"call.auto_acknowledge", c.Call.AutoAcknowledge},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field.name, field.value))
		}
	}

	compressionValues := []string{"auto", "zstd", "lz4", "none"}
	if !contains(compressionValues, c.Transfer.Compression) {
		errs = append(errs, fmt.Errorf("transfer.compression must be one of: %v", compressionValues))
	}

	if c.Transfer.ChunkSizeKiB <= 0 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size_kib must be positive"))
	}

	levelValues := []string{"debug", "info", "warn", "error"}
	if !contains(levelValues, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levelValues))
	}

	formatValues := []string{"text", "json"}
	if !contains(formatValues, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formatValues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Downloads,
		filepath.Dir(c.Paths.HistoryDB),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
