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

// Settings holds process-level configuration: where state lives, kill
// switches, logging, and backend selection. Environment variables
// (prefix MODELGATE_) take precedence over the optional settings file.
type Settings struct {
	ConfigPath        string        `mapstructure:"config"`
	Overlays          []string      `mapstructure:"overlays"`
	StateDir          string        `mapstructure:"state_dir"`
	StateBackend      string        `mapstructure:"state_backend"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPrefix       string        `mapstructure:"redis_prefix"`
	LedgerPath        string        `mapstructure:"ledger_path"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	Lockdown          bool          `mapstructure:"lockdown"`
	EmergencyOverride bool          `mapstructure:"emergency_override"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	ListenAddr        string        `mapstructure:"listen_addr"`
}

// Backends supported for cursor and cache state.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// LoadSettings reads settings from path (optional) and the environment.
func LoadSettings(path string) (*Settings, error) {
	home, err := homeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, home)

	v.SetEnvPrefix("MODELGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper, home string) {
	configDir := filepath.Join(home, ".modelgate")
	v.SetDefault("config", filepath.Join(configDir, "routing.yaml"))
	v.SetDefault("overlays", []string{filepath.Join(configDir, "routing.local.yaml")})
	v.SetDefault("state_dir", filepath.Join(configDir, "state"))
	v.SetDefault("state_backend", BackendFile)
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_prefix", "modelgate")
	v.SetDefault("ledger_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("lockdown", true)
	v.SetDefault("emergency_override", false)
	v.SetDefault("attempt_timeout", 120*time.Second)
	v.SetDefault("listen_addr", "127.0.0.1:8787")
}

func (s *Settings) validate() error {
	switch s.StateBackend {
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("settings: unknown state_backend %q", s.StateBackend)
	}
	if s.StateDir == "" {
		return fmt.Errorf("settings: state_dir is required")
	}
	if s.AttemptTimeout <= 0 {
		return fmt.Errorf("settings: attempt_timeout must be positive")
	}
	return nil
}

// CursorDir is where file-backed round-robin cursors live.
func (s *Settings) CursorDir() string { return filepath.Join(s.StateDir, "cursors") }

// CacheDir is where file-backed cache entries live.
func (s *Settings) CacheDir() string { return filepath.Join(s.StateDir, "cache") }

// PendingDir is the root of the pending-task queue.
func (s *Settings) PendingDir() string { return filepath.Join(s.StateDir, "pending") }

// Ledger returns the usage ledger path.
func (s *Settings) Ledger() string {
	if s.LedgerPath != "" {
		return s.LedgerPath
	}
	return filepath.Join(s.StateDir, "ledger.jsonl")
}

// APIKey returns the credential for a provider from its configured env var.
func APIKey(p ProviderDef) string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}
