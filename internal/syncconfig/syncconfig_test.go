package syncconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// useTempConfigDir points the config dir at a fresh temp dir and clears env
// overrides that could leak in from the developer's shell.
func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TETHER_CONFIG_DIR", dir)
	for _, k := range []string{"TETHER_SERVER_URL", "TETHER_API_KEY", "TETHER_DATA_DIR", "TETHER_SYNC_INTERVAL", "TETHER_SYNC_PULL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := useTempConfigDir(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != defaultServerURL {
		t.Fatalf("server url: got %q", cfg.ServerURL)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir: got %q", cfg.DataDir)
	}
	if cfg.Sync.Interval != 30*time.Second || cfg.Sync.MaxRetries != 5 || !cfg.Sync.Pull {
		t.Fatalf("sync defaults: %+v", cfg.Sync)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := useTempConfigDir(t)
	yaml := "server_url: https://sync.example.com/\nsync:\n  interval: 2m\n  pull: false\n"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(yaml), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "https://sync.example.com" {
		t.Fatalf("server url: got %q", cfg.ServerURL)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Fatalf("interval: got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.Pull {
		t.Fatal("pull should be disabled from file")
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Fatalf("unset keys keep defaults, got max_retries=%d", cfg.Sync.MaxRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := useTempConfigDir(t)
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("sync:\n  interval: 2m\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TETHER_SYNC_INTERVAL", "45s")
	t.Setenv("TETHER_API_KEY", "tk_from_env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Interval != 45*time.Second {
		t.Fatalf("env should override file, got %v", cfg.Sync.Interval)
	}
	if cfg.APIKey != "tk_from_env" {
		t.Fatalf("api key: got %q", cfg.APIKey)
	}
}

func TestSetPersistsAndValidates(t *testing.T) {
	useTempConfigDir(t)

	if err := Set("sync.interval", "90s"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set("server_url", "https://example.org"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := Get("sync.interval")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "1m30s" {
		t.Fatalf("sync.interval: got %q", got)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "https://example.org" || cfg.Sync.Interval != 90*time.Second {
		t.Fatalf("persisted config: %+v", cfg)
	}

	tests := []struct {
		key, value string
	}{
		{"sync.interval", "soon"},
		{"sync.interval", "-1s"},
		{"sync.max_retries", "0"},
		{"sync.max_retries", "3x"},
		{"sync.pull", "maybe"},
		{"log_level", "trace"},
		{"nope", "x"},
	}
	for _, tt := range tests {
		if err := Set(tt.key, tt.value); err == nil {
			t.Errorf("Set(%q, %q): expected error", tt.key, tt.value)
		}
	}
}

func TestSetDoesNotBakeInEnv(t *testing.T) {
	dir := useTempConfigDir(t)
	t.Setenv("TETHER_API_KEY", "tk_secret_from_env")

	if err := Set("log_level", "debug"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(data), "tk_secret_from_env") {
		t.Fatalf("env value written to file:\n%s", data)
	}
	info, err := os.Stat(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("config perms: got %v", info.Mode().Perm())
	}
}

func TestListMasksAPIKey(t *testing.T) {
	useTempConfigDir(t)
	t.Setenv("TETHER_API_KEY", "tk_1234567890abcdef")

	settings, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(settings) != len(Keys) {
		t.Fatalf("got %d settings, want %d", len(settings), len(Keys))
	}
	for _, s := range settings {
		if s.Key == "api_key" && strings.Contains(s.Value, "abcdef") {
			t.Fatalf("api key not masked: %q", s.Value)
		}
	}
}

func TestGetUnknownKey(t *testing.T) {
	useTempConfigDir(t)
	if _, err := Get("sync.bogus"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}
