// Package config provides configuration management for the cdb-nexus server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Session  SessionConfig  `yaml:"session"`
	Batching BatchingConfig `yaml:"batching"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`

	ExtensionScripts ExtensionScriptsConfig `yaml:"extension_scripts"`
}

// ExtensionScriptsConfig controls the optional permission-filtered FUSE
// view of a session's dump/symbol directory.
type ExtensionScriptsConfig struct {
	Enabled   bool                   `yaml:"enabled"`
	MountRoot string                 `yaml:"mount_root"`
	Rules     []types.PermissionRule `yaml:"rules"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// AdapterConfig holds debugger process adapter configuration.
type AdapterConfig struct {
	// Type selects the process adapter implementation: "local" or "docker".
	Type string `yaml:"type"`
	// ExecutablePath overrides cdb.exe auto-location when non-empty.
	ExecutablePath string `yaml:"executable_path"`
	// SymbolPathDefault is the host symbol directory the docker adapter
	// bind-mounts read-only. The local adapter does not use it, and it is
	// not substituted for a session's empty symbol path.
	SymbolPathDefault string `yaml:"symbol_path_default"`
	// DockerImage is used only when Type == "docker".
	DockerImage string `yaml:"docker_image"`
}

// SessionConfig holds session registry and per-session timing defaults.
type SessionConfig struct {
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
	SessionTimeout        string `yaml:"session_timeout"`
	CleanupInterval       string `yaml:"cleanup_interval"`
	CommandTimeout        string `yaml:"command_timeout"`
	StartupDelay          string `yaml:"startup_delay"`
	CloseGracePeriod      string `yaml:"close_grace_period"`
	HeartbeatInterval     string `yaml:"heartbeat_interval"`
}

// BatchingConfig holds batch processor configuration.
type BatchingConfig struct {
	Enabled                bool     `yaml:"enabled"`
	MaxBatchSize           int      `yaml:"max_batch_size"`
	BatchWaitTimeout       string   `yaml:"batch_wait_timeout"`
	BatchTimeoutMultiplier float64  `yaml:"batch_timeout_multiplier"`
	MaxBatchTimeout        string   `yaml:"max_batch_timeout"`
	ExcludedCommands       []string `yaml:"excluded_commands"`
}

// CacheConfig holds result cache configuration.
type CacheConfig struct {
	MaxMemoryBytes          int64   `yaml:"max_memory_bytes"`
	DefaultTTL              string  `yaml:"default_ttl"`
	CleanupInterval         string  `yaml:"cleanup_interval"`
	MemoryPressureThreshold float64 `yaml:"memory_pressure_threshold"`
	MaxEntriesPerCleanup    int     `yaml:"max_entries_per_cleanup"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: ":9100",
			HTTPAddr: ":8100",
		},
		Adapter: AdapterConfig{
			Type:              "local",
			ExecutablePath:    "",
			SymbolPathDefault: "",
			DockerImage:       "",
		},
		Session: SessionConfig{
			MaxConcurrentSessions: 16,
			SessionTimeout:        "30m",
			CleanupInterval:       "1m",
			CommandTimeout:        "30s",
			StartupDelay:          "500ms",
			CloseGracePeriod:      "5s",
			HeartbeatInterval:     "5s",
		},
		Batching: BatchingConfig{
			Enabled:                true,
			MaxBatchSize:           10,
			BatchWaitTimeout:       "15ms",
			BatchTimeoutMultiplier: 1.5,
			MaxBatchTimeout:        "2m",
			ExcludedCommands:       []string{"!analyze", "g", "p", "t"},
		},
		Cache: CacheConfig{
			MaxMemoryBytes:          64 * 1024 * 1024,
			DefaultTTL:              "10m",
			CleanupInterval:         "30s",
			MemoryPressureThreshold: 0.8,
			MaxEntriesPerCleanup:    500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		ExtensionScripts: ExtensionScriptsConfig{
			Enabled:   false,
			MountRoot: "/tmp/cdb-nexus/extfs",
			Rules: []types.PermissionRule{
				{Pattern: "**", Type: types.PatternGlob, Permission: types.PermRead, Priority: 0},
			},
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if the
// file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetSessionTimeout returns the idle session timeout as a time.Duration.
func (c *SessionConfig) GetSessionTimeout() time.Duration {
	return parseDurationOr(c.SessionTimeout, 30*time.Minute)
}

// GetCleanupInterval returns the registry cleanup sweep interval.
func (c *SessionConfig) GetCleanupInterval() time.Duration {
	return parseDurationOr(c.CleanupInterval, time.Minute)
}

// GetCommandTimeout returns the default per-command timeout.
func (c *SessionConfig) GetCommandTimeout() time.Duration {
	return parseDurationOr(c.CommandTimeout, 30*time.Second)
}

// GetStartupDelay returns the post-spawn startup delay.
func (c *SessionConfig) GetStartupDelay() time.Duration {
	return parseDurationOr(c.StartupDelay, 500*time.Millisecond)
}

// GetCloseGracePeriod returns the quit-then-kill grace period.
func (c *SessionConfig) GetCloseGracePeriod() time.Duration {
	return parseDurationOr(c.CloseGracePeriod, 5*time.Second)
}

// GetHeartbeatInterval returns the interval between liveness heartbeats
// published for a command still Executing.
func (c *SessionConfig) GetHeartbeatInterval() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, 5*time.Second)
}

// GetBatchWaitTimeout returns the batch-open wait timer duration.
func (c *BatchingConfig) GetBatchWaitTimeout() time.Duration {
	return parseDurationOr(c.BatchWaitTimeout, 15*time.Millisecond)
}

// GetMaxBatchTimeout returns the cap applied to a batch's computed deadline.
func (c *BatchingConfig) GetMaxBatchTimeout() time.Duration {
	return parseDurationOr(c.MaxBatchTimeout, 2*time.Minute)
}

// GetDefaultTTL returns the cache's default entry TTL.
func (c *CacheConfig) GetDefaultTTL() time.Duration {
	return parseDurationOr(c.DefaultTTL, 10*time.Minute)
}

// GetCleanupInterval returns the cache's periodic sweep interval.
func (c *CacheConfig) GetCleanupInterval() time.Duration {
	return parseDurationOr(c.CleanupInterval, 30*time.Second)
}
