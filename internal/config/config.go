// Package config handles configuration loading for foreman. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for foreman.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Health     HealthConfig     `mapstructure:"health"`
	Bus        BusConfig        `mapstructure:"bus"`
	Server     ServerConfig     `mapstructure:"server"`
	State      StateConfig      `mapstructure:"state"`
	Manifest   ManifestConfig   `mapstructure:"manifest"`
}

// SupervisorConfig holds worker supervision settings.
type SupervisorConfig struct {
	// HeartbeatStale is the heartbeat age beyond which a worker counts
	// as unhealthy.
	HeartbeatStale time.Duration `mapstructure:"heartbeat_stale"`
	// ShutdownGrace is how long a worker gets to shut down cooperatively.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// RestartBackoffBase and RestartBackoffMax bound the exponential
	// restart delay.
	RestartBackoffBase time.Duration `mapstructure:"restart_backoff_base"`
	RestartBackoffMax  time.Duration `mapstructure:"restart_backoff_max"`
	// AutoRestart relaunches failed workers automatically.
	AutoRestart bool `mapstructure:"auto_restart"`
	// MaxAutoRestarts bounds consecutive automatic relaunches per worker.
	MaxAutoRestarts int `mapstructure:"max_auto_restarts"`
	// EventBuffer is the outbound event stream's channel buffer.
	EventBuffer int `mapstructure:"event_buffer"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	// Interval is the time between health sweeps.
	Interval time.Duration `mapstructure:"interval"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	// FlowHistoryCap bounds the rolling sender-to-recipient flow log.
	FlowHistoryCap int `mapstructure:"flow_history_cap"`
}

// ServerConfig holds the HTTP status surface settings.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `mapstructure:"addr"`
}

// StateConfig holds snapshot persistence settings.
type StateConfig struct {
	// DBPath is the sqlite snapshot file. Empty disables persistence.
	DBPath string `mapstructure:"db_path"`
	// SnapshotInterval is the time between periodic snapshots.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// ManifestConfig holds fleet manifest settings.
type ManifestConfig struct {
	// Path is the fleet manifest file.
	Path string `mapstructure:"path"`
	// Watch reloads the manifest when the file changes.
	Watch bool `mapstructure:"watch"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FOREMAN_*)
// 2. Project config (.foreman.yaml in current directory or parent)
// 3. User config (~/.config/foreman/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FOREMAN")
	v.AutomaticEnv()
	v.BindEnv("server.addr", "FOREMAN_SERVER_ADDR")
	v.BindEnv("state.db_path", "FOREMAN_STATE_DB")
	v.BindEnv("manifest.path", "FOREMAN_MANIFEST")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.State.DBPath = os.ExpandEnv(cfg.State.DBPath)
	cfg.Manifest.Path = os.ExpandEnv(cfg.Manifest.Path)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
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

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("supervisor.heartbeat_stale", cfg.Supervisor.HeartbeatStale.String())
	v.Set("supervisor.shutdown_grace", cfg.Supervisor.ShutdownGrace.String())
	v.Set("supervisor.restart_backoff_base", cfg.Supervisor.RestartBackoffBase.String())
	v.Set("supervisor.restart_backoff_max", cfg.Supervisor.RestartBackoffMax.String())
	v.Set("supervisor.auto_restart", cfg.Supervisor.AutoRestart)
	v.Set("supervisor.max_auto_restarts", cfg.Supervisor.MaxAutoRestarts)
	v.Set("supervisor.event_buffer", cfg.Supervisor.EventBuffer)
	v.Set("health.interval", cfg.Health.Interval.String())
	v.Set("bus.flow_history_cap", cfg.Bus.FlowHistoryCap)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("state.db_path", cfg.State.DBPath)
	v.Set("state.snapshot_interval", cfg.State.SnapshotInterval.String())
	v.Set("manifest.path", cfg.Manifest.Path)
	v.Set("manifest.watch", cfg.Manifest.Watch)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it
// exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.heartbeat_stale", "60s")
	v.SetDefault("supervisor.shutdown_grace", "10s")
	v.SetDefault("supervisor.restart_backoff_base", "1s")
	v.SetDefault("supervisor.restart_backoff_max", "30s")
	v.SetDefault("supervisor.auto_restart", false)
	v.SetDefault("supervisor.max_auto_restarts", 5)
	v.SetDefault("supervisor.event_buffer", 256)

	v.SetDefault("health.interval", "30s")

	v.SetDefault("bus.flow_history_cap", 256)

	v.SetDefault("server.addr", "")

	v.SetDefault("state.db_path", "")
	v.SetDefault("state.snapshot_interval", "30s")

	v.SetDefault("manifest.path", "foreman.yaml")
	v.SetDefault("manifest.watch", true)
}

// getUserConfigDir returns the XDG config directory for foreman.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "foreman")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "foreman")
	}
	return filepath.Join(home, ".config", "foreman")
}

// findProjectConfig searches for .foreman.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".foreman.yaml")
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

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			HeartbeatStale:     60 * time.Second,
			ShutdownGrace:      10 * time.Second,
			RestartBackoffBase: time.Second,
			RestartBackoffMax:  30 * time.Second,
			AutoRestart:        false,
			MaxAutoRestarts:    5,
			EventBuffer:        256,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Bus: BusConfig{
			FlowHistoryCap: 256,
		},
		State: StateConfig{
			SnapshotInterval: 30 * time.Second,
		},
		Manifest: ManifestConfig{
			Path:  "foreman.yaml",
			Watch: true,
		},
	}
}
