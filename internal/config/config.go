// Package config provides configuration loading for notesync.
//
// Configuration is read from a YAML file (default ~/.notesync/notesync.yaml)
// with NOTESYNC_* environment variable overrides. A Watcher reports edits to
// the file; the daemon surfaces them and applies the new values on its next
// restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full notesync configuration.
type Config struct {
	// ServerURL is the remote store root, e.g. https://sync.example.com.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// Token is the opaque bearer token presented to the remote store.
	Token string `mapstructure:"token" yaml:"token,omitempty"`

	// UserID scopes every local and remote operation.
	UserID string `mapstructure:"user_id" yaml:"user_id"`

	// DBPath is the local SQLite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// SyncInterval is the periodic sync interval.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// ProbeInterval is the connectivity probe interval.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`

	// CleanupInterval is the retention sweep interval.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	// TombstoneRetentionDays is how long soft-deleted notes are kept.
	TombstoneRetentionDays int `mapstructure:"tombstone_retention_days" yaml:"tombstone_retention_days"`

	// QueueRetentionDays is the hard ceiling on queue item age.
	QueueRetentionDays int `mapstructure:"queue_retention_days" yaml:"queue_retention_days"`

	// LogFile, when set, routes daemon logs to a rotating file instead of
	// stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file,omitempty"`
}

// DefaultDir returns the notesync configuration directory (~/.notesync).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notesync"
	}
	return filepath.Join(home, ".notesync")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "notesync.yaml")
}

// Load reads configuration from path (or the default path when empty),
// applying defaults and NOTESYNC_* environment overrides.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", filepath.Join(DefaultDir(), "notes.db"))
	v.SetDefault("sync_interval", "30s")
	v.SetDefault("probe_interval", "10s")
	v.SetDefault("cleanup_interval", "24h")
	v.SetDefault("tombstone_retention_days", 30)
	v.SetDefault("queue_retention_days", 7)

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("notesync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fields the sync daemon cannot run without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}
