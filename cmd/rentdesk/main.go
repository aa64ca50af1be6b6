package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rentdesk/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" mapstructure:"default"`
	Auth    ConfigAuth    `toml:"auth" mapstructure:"auth"`
	Sync    ConfigSync    `toml:"sync" mapstructure:"sync"`
	Log     ConfigLog     `toml:"log" mapstructure:"log"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	Environment string `toml:"environment,omitempty" mapstructure:"environment"`
	BaseURL     string `toml:"base_url,omitempty" mapstructure:"base_url"`
	APIPrefix   string `toml:"api_prefix,omitempty" mapstructure:"api_prefix"`
	StorePath   string `toml:"store_path,omitempty" mapstructure:"store_path"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	Token    string `toml:"token,omitempty" mapstructure:"token"`
	Username string `toml:"username,omitempty" mapstructure:"username"`
}

// ConfigSync holds flusher and connectivity settings.
type ConfigSync struct {
	BatchSize     int    `toml:"batch_size,omitempty" mapstructure:"batch_size"`
	Interval      string `toml:"interval,omitempty" mapstructure:"interval"`
	MaxRetries    int    `toml:"max_retries,omitempty" mapstructure:"max_retries"`
	Probe         string `toml:"probe,omitempty" mapstructure:"probe"`
	ProbeInterval string `toml:"probe_interval,omitempty" mapstructure:"probe_interval"`
	WebSocketPath string `toml:"websocket_path,omitempty" mapstructure:"websocket_path"`
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level      string `toml:"level,omitempty" mapstructure:"level"`
	File       string `toml:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups,omitempty" mapstructure:"max_backups"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configHome overrides ~/.rentdesk; used by tests.
var configHome string

// configDir returns the path to ~/.rentdesk, creating it if needed.
func configDir() (string, error) {
	dir := configHome
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".rentdesk")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default.environment", "production")
	v.SetDefault("default.base_url", "")
	v.SetDefault("default.api_prefix", "/")
	v.SetDefault("default.store_path", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("sync.batch_size", 25)
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.max_retries", 0)
	v.SetDefault("sync.probe", "http")
	v.SetDefault("sync.probe_interval", "10s")
	v.SetDefault("sync.websocket_path", "/ws/health/")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 25)
	v.SetDefault("log.max_backups", 5)
}

// newViper builds the config reader: the TOML file, overridden by RENTDESK_*
// environment variables (a .env in the working directory is loaded first).
func newViper() (*viper.Viper, error) {
	_ = godotenv.Load() // .env is optional

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("RENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}
	return v, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file with environment overrides applied.
// If the file does not exist, defaults are returned.
func loadConfig() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decodeConfig(v)
}

// loadFileConfig reads only what is on disk, so that saving it back does not
// persist environment overrides.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_prefix":
			cfg.Default.APIPrefix = value
		case "store_path":
			cfg.Default.StorePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "batch_size":
			return setInt(&cfg.Sync.BatchSize, key, value)
		case "max_retries":
			return setInt(&cfg.Sync.MaxRetries, key, value)
		case "interval":
			cfg.Sync.Interval = value
		case "probe":
			if value != "http" && value != "websocket" {
				return fmt.Errorf("%s must be http or websocket", key)
			}
			cfg.Sync.Probe = value
		case "probe_interval":
			cfg.Sync.ProbeInterval = value
		case "websocket_path":
			cfg.Sync.WebSocketPath = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "file":
			cfg.Log.File = value
		case "max_size_mb":
			return setInt(&cfg.Log.MaxSizeMB, key, value)
		case "max_backups":
			return setInt(&cfg.Log.MaxBackups, key, value)
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync, log)", section)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("%s must be a non-negative integer", key)
	}
	*dst = n
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "rentdesk",
	Short: "rentdesk SDK CLI",
	Long:  "Command-line interface for the rentdesk property-management API.\nWorks offline: reads are served from the local cache and writes are queued until the backend is reachable.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return setupLogging(cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogging()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
