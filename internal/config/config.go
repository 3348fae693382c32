// Package config loads chartsync settings and the persistent device
// identity.
//
// Settings come from three layers, lowest priority first: built-in
// defaults, a chartsync.yaml file in the data directory, and CHARTSYNC_*
// environment variables.
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

// Settings holds all runtime configuration.
type Settings struct {
	// ServerURL is the base URL of the sync server.
	ServerURL string `mapstructure:"server_url"`

	// DataDir holds the local database, device identity and logs.
	DataDir string `mapstructure:"data_dir"`

	// SyncInterval is how often the daemon triggers a cycle.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// ProbeInterval is how often connectivity is checked.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// RequestTimeout bounds each sync server call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxAttempts is the per-mutation retry ceiling before a mutation is
	// surfaced as a persistent failure.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BackoffInitial and BackoffCap bound the mutation retry schedule.
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`

	// BoardPort is the status board listen port.
	BoardPort int `mapstructure:"board_port"`
}

// Load reads settings from the data directory. A missing config file is
// fine; defaults and environment variables still apply.
func Load(dataDir string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("server_url", "http://localhost:8444")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("max_attempts", 8)
	v.SetDefault("backoff_initial", 2*time.Second)
	v.SetDefault("backoff_cap", 5*time.Minute)
	v.SetDefault("board_port", 8445)

	v.SetConfigName("chartsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("CHARTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DatabasePath returns the local database location.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "chartsync.db")
}

// LogPath returns the daemon log location.
func (s *Settings) LogPath() string {
	return filepath.Join(s.DataDir, "chartsync.log")
}

func (s *Settings) validate() error {
	if s.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if s.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %v", s.SyncInterval)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.BackoffInitial <= 0 || s.BackoffCap < s.BackoffInitial {
		return fmt.Errorf("backoff bounds invalid: initial %v, cap %v", s.BackoffInitial, s.BackoffCap)
	}
	return nil
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chartsync"
	}
	return filepath.Join(home, ".chartsync")
}
