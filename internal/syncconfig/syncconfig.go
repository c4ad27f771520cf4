// Package syncconfig loads the tether client configuration from
// ~/.config/tether/config.yaml and TETHER_* environment variables.
package syncconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marcus/tether/internal/suggest"
)

// SyncConfig holds the engine settings.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Pull           bool          `mapstructure:"pull"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// Config is the client configuration.
type Config struct {
	ServerURL string     `mapstructure:"server_url"`
	APIKey    string     `mapstructure:"api_key"`
	DataDir   string     `mapstructure:"data_dir"`
	LogFile   string     `mapstructure:"log_file"`
	LogLevel  string     `mapstructure:"log_level"`
	Sync      SyncConfig `mapstructure:"sync"`
}

const (
	defaultServerURL = "http://localhost:8080"
	envPrefix        = "TETHER"
	fileName         = "config.yaml"
)

// Keys lists every settable key, in display order.
var Keys = []string{
	"server_url",
	"api_key",
	"data_dir",
	"log_file",
	"log_level",
	"sync.interval",
	"sync.max_retries",
	"sync.timeout",
	"sync.pull",
	"sync.health_interval",
}

// ConfigDir returns ~/.config/tether, creating it if necessary.
// TETHER_CONFIG_DIR overrides the location.
func ConfigDir() (string, error) {
	dir := os.Getenv("TETHER_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "tether")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// ConfigFile returns the path of the YAML config file.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("api_key", "")
	v.SetDefault("data_dir", filepath.Join(configDir, "data"))
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "warn")

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.pull", true)
	v.SetDefault("sync.health_interval", 15*time.Second)
}

// newViper builds a viper instance with defaults, env binding and the config
// file (if any) loaded.
func newViper() (*viper.Viper, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fileName)

	v := viper.New()
	setDefaults(v, dir)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}

// Load reads the configuration. A missing file yields defaults.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &cfg, nil
}

// Get returns the effective value of key as a string.
func Get(key string) (string, error) {
	if !slices.Contains(Keys, key) {
		return "", fmt.Errorf("unknown config key %q%s", key, suggest.KeyHint(key, Keys))
	}
	v, err := newViper()
	if err != nil {
		return "", err
	}
	return v.GetString(key), nil
}

// Set validates value for key and persists it to the config file.
func Set(key, value string) error {
	if !slices.Contains(Keys, key) {
		return fmt.Errorf("unknown config key %q%s", key, suggest.KeyHint(key, Keys))
	}
	typed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	// Write from a file-only instance so env overrides and defaults are not
	// baked into the file.
	path, err := ConfigFile()
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.Set(key, typed)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Chmod(path, 0600)
}

// Setting is one effective key/value pair.
type Setting struct {
	Key   string
	Value string
}

// List returns the effective value of every key.
func List() ([]Setting, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	out := make([]Setting, 0, len(Keys))
	for _, k := range Keys {
		val := v.GetString(k)
		if k == "api_key" && val != "" {
			val = maskKey(val)
		}
		out = append(out, Setting{Key: k, Value: val})
	}
	return out, nil
}

func parseValue(key, value string) (any, error) {
	switch key {
	case "sync.interval", "sync.timeout", "sync.health_interval":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", key, value)
		}
		return d.String(), nil
	case "sync.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%s: expected a positive integer, got %q", key, value)
		}
		return n, nil
	case "sync.pull":
		switch strings.ToLower(value) {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%s: expected true or false, got %q", key, value)
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "error":
			return strings.ToLower(value), nil
		}
		return nil, fmt.Errorf("%s: expected debug, info, warn or error", key)
	}
	return value, nil
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:8] + "…"
}
