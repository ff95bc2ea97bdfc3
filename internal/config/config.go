// Package config handles configuration loading for crewline.
// It supports XDG config paths, project-level overrides, and environment
// variables, plus the static agent-capability and workflow-template tables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the coordination engine.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	State     StateConfig     `mapstructure:"state"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Context   ContextConfig   `mapstructure:"context"`
	Requests  RequestsConfig  `mapstructure:"requests"`
	Debug     bool            `mapstructure:"debug"`
	TablesDir string          `mapstructure:"tables_dir"`
}

// EngineConfig holds orchestrator settings.
type EngineConfig struct {
	// MaxConcurrentWorkflows caps simultaneously running workflows.
	MaxConcurrentWorkflows int `mapstructure:"max_concurrent_workflows"`
	// DispatchInterval is the dispatch loop polling interval.
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	// DefaultWorkflowTimeout is the deadline applied when a workflow
	// config does not carry its own.
	DefaultWorkflowTimeout time.Duration `mapstructure:"default_workflow_timeout"`
	// ShutdownGrace bounds the wait for in-flight work on shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// MaxRetries is the default per-assignment retry budget.
	MaxRetries int `mapstructure:"max_retries"`
}

// RegistryConfig holds agent registry settings.
type RegistryConfig struct {
	// HeartbeatInterval is how often the liveness sweep runs.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// OfflineThreshold marks agents offline when last_seen is older.
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
	// DiscoveryInterval is how often the discovery hook runs.
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

// StateConfig holds workflow state manager settings.
type StateConfig struct {
	// DBPath is the SQLite database location. Empty selects the XDG default.
	DBPath string `mapstructure:"db_path"`
	// CheckpointInterval is how often untouched workflows are re-persisted.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// RecoveryMaxAge bounds how old a snapshot may be and still be recovered.
	RecoveryMaxAge time.Duration `mapstructure:"recovery_max_age"`
	// Retention is how long terminal workflow rows are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// CacheConfig holds fast-cache settings.
type CacheConfig struct {
	// Size is the maximum number of cached entries.
	Size int `mapstructure:"size"`
	// TTL is the default entry lifetime.
	TTL time.Duration `mapstructure:"ttl"`
}

// ContextConfig holds context package generation settings.
type ContextConfig struct {
	// DefaultMaxTokens is the token budget applied when a request does not
	// carry its own.
	DefaultMaxTokens int `mapstructure:"default_max_tokens"`
	// CacheTTL is the lifetime of generated packages in the fast cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RequestsConfig holds dynamic request handler settings.
type RequestsConfig struct {
	// ProcessInterval is the request processing loop polling interval.
	ProcessInterval time.Duration `mapstructure:"process_interval"`
	// DefaultTimeout is the per-request deadline.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
//  1. Environment variables (CREWLINE_*)
//  2. Project config (.crewline.yaml in current directory or a parent)
//  3. User config (~/.config/crewline/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CREWLINE")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_concurrent_workflows", 10)
	v.SetDefault("engine.dispatch_interval", "2s")
	v.SetDefault("engine.default_workflow_timeout", "30m")
	v.SetDefault("engine.shutdown_grace", "10s")
	v.SetDefault("engine.max_retries", 2)

	v.SetDefault("registry.heartbeat_interval", "30s")
	v.SetDefault("registry.offline_threshold", "2m")
	v.SetDefault("registry.discovery_interval", "1m")

	v.SetDefault("state.db_path", "")
	v.SetDefault("state.checkpoint_interval", "1m")
	v.SetDefault("state.recovery_max_age", "24h")
	v.SetDefault("state.retention", "168h")

	v.SetDefault("cache.size", 4096)
	v.SetDefault("cache.ttl", "1h")

	v.SetDefault("context.default_max_tokens", 4000)
	v.SetDefault("context.cache_ttl", "30m")

	v.SetDefault("requests.process_interval", "2s")
	v.SetDefault("requests.default_timeout", "10m")

	v.SetDefault("debug", false)
	v.SetDefault("tables_dir", "")
}

// DBPath returns the configured SQLite path, falling back to the XDG data dir.
func (c *Config) DBPath() string {
	if c.State.DBPath != "" {
		return c.State.DBPath
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "crewline", "crewline.db")
}

// getUserConfigDir returns the XDG config directory for crewline.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crewline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "crewline")
	}
	return filepath.Join(home, ".config", "crewline")
}

// findProjectConfig searches for .crewline.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".crewline.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
