// Package config loads marcaje configuration from file, environment and
// defaults via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved device configuration.
type Config struct {
	// Remote store
	ServerURL string `mapstructure:"server_url"`
	APIKey    string `mapstructure:"api_key"`
	// SessionToken is set on personally-assigned devices; kiosk devices
	// leave it empty and authenticate uploads per-record with a PIN.
	SessionToken string `mapstructure:"session_token"`

	// Local paths
	DataDir  string `mapstructure:"data_dir"`
	SpoolDir string `mapstructure:"spool_dir"`
	LogFile  string `mapstructure:"log_file"`

	// Cadence
	BusyInterval time.Duration `mapstructure:"busy_interval"`
	IdleInterval time.Duration `mapstructure:"idle_interval"`
	PullInterval time.Duration `mapstructure:"pull_interval"`

	// Clock gate
	DriftTolerance time.Duration `mapstructure:"drift_tolerance"`

	// Realtime change feed
	RealtimeEnabled bool `mapstructure:"realtime_enabled"`
}

// DBPath returns the attendance database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "attendance.db")
}

// StatusPath returns the daemon status file location.
func (c *Config) StatusPath() string {
	return filepath.Join(c.DataDir, "daemon.json")
}

// Load reads configuration. If cfgFile is empty the default search path
// ($HOME/.marcaje/config.yaml, then the working directory) is used.
// Environment variables override the file: MARCAJE_SERVER_URL and so on.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".marcaje")

	v.SetDefault("server_url", "http://localhost:8000")
	v.SetDefault("data_dir", base)
	v.SetDefault("spool_dir", filepath.Join(base, "spool"))
	v.SetDefault("log_file", filepath.Join(base, "marcaje.log"))
	v.SetDefault("busy_interval", 30*time.Second)
	v.SetDefault("idle_interval", time.Hour)
	v.SetDefault("pull_interval", 15*time.Minute)
	v.SetDefault("drift_tolerance", 5*time.Minute)
	v.SetDefault("realtime_enabled", true)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(base)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MARCAJE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env carry a
		// usable setup. An unreadable or malformed file is not.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	return &cfg, nil
}
