// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oraculo/zkattest/pkg/address"
)

func TestExpandPath_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/ledger", filepath.Join(home, "ledger")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", home},
		{"", ""},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if result != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestDefaultPaths(t *testing.T) {
	paths := DefaultPaths()

	if paths.ConfigDir == "" {
		t.Error("ConfigDir should not be empty")
	}
	if paths.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if filepath.Dir(paths.LedgerPath) != paths.DataDir {
		t.Errorf("LedgerPath %s should live in DataDir", paths.LedgerPath)
	}
	if filepath.Dir(paths.IssuersFile) != paths.ConfigDir {
		t.Errorf("IssuersFile %s should live in ConfigDir", paths.IssuersFile)
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	paths := Paths{
		ConfigDir: filepath.Join(tmpDir, "config", "zkattest"),
		DataDir:   filepath.Join(tmpDir, "data", "zkattest"),
	}

	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{paths.ConfigDir, paths.DataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s should exist after EnsureDirectories: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", dir)
		}
	}

	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories should be idempotent: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Program.ID != address.DefaultProgramID {
		t.Errorf("expected default program id, got %s", cfg.Program.ID)
	}
	if cfg.Ledger.Backend != "badger" {
		t.Errorf("expected badger backend, got %s", cfg.Ledger.Backend)
	}
	if cfg.Policy.Version != 1 {
		t.Errorf("expected policy version 1, got %d", cfg.Policy.Version)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_FromTOML(t *testing.T) {
	tomlContent := `
[ledger]
backend = "sql"
driver = "sqlite"
dsn = "/tmp/zkattest.db"

[policy]
version = 7
issuers_file = "~/issuers.txt"
watch = false

[engine]
commit_attempts = 5

[log]
level = "debug"
format = "text"
`
	tmpFile := filepath.Join(t.TempDir(), "zkattest.toml")
	if err := os.WriteFile(tmpFile, []byte(tomlContent), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Ledger.Backend != "sql" || cfg.Ledger.DSN != "/tmp/zkattest.db" {
		t.Errorf("unexpected ledger config %+v", cfg.Ledger)
	}
	if cfg.Policy.Version != 7 {
		t.Errorf("expected version 7, got %d", cfg.Policy.Version)
	}
	if cfg.Policy.Watch {
		t.Error("expected watch false")
	}
	if cfg.Engine.CommitAttempts != 5 {
		t.Errorf("expected 5 commit attempts, got %d", cfg.Engine.CommitAttempts)
	}
	if cfg.Program.ID != address.DefaultProgramID {
		t.Error("unset fields should keep their defaults")
	}

	home, _ := os.UserHomeDir()
	if cfg.Policy.IssuersFile != filepath.Join(home, "issuers.txt") {
		t.Errorf("issuers_file not expanded: %s", cfg.Policy.IssuersFile)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.Backend != "badger" {
		t.Errorf("expected default backend, got %s", cfg.Ledger.Backend)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ZKATTEST_LEDGER_BACKEND", "memory")
	t.Setenv("ZKATTEST_POLICY_VERSION", "9")
	t.Setenv("ZKATTEST_POLICY_WATCH", "false")
	t.Setenv("ZKATTEST_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.Backend != "memory" {
		t.Errorf("expected memory backend, got %s", cfg.Ledger.Backend)
	}
	if cfg.Policy.Version != 9 {
		t.Errorf("expected version 9, got %d", cfg.Policy.Version)
	}
	if cfg.Policy.Watch {
		t.Error("expected watch false")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Log.Level)
	}
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	cfg := DefaultConfig()
	lookup := func(name string) (string, bool) {
		if name == "ZKATTEST_POLICY_VERSION" {
			return "not-a-number", true
		}
		return "", false
	}
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "invalid.toml")
	if err := os.WriteFile(tmpFile, []byte("this is not valid [ toml"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	if _, err := Load(tmpFile); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad program id", func(c *Config) { c.Program.ID = "not-base58!" }},
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "etcd" }},
		{"sql without dsn", func(c *Config) { c.Ledger.Backend = "sql"; c.Ledger.DSN = "" }},
		{"sql bad driver", func(c *Config) { c.Ledger.Backend = "sql"; c.Ledger.Driver = "oracle"; c.Ledger.DSN = "x" }},
		{"zero version", func(c *Config) { c.Policy.Version = 0 }},
		{"zero attempts", func(c *Config) { c.Engine.CommitAttempts = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "zkattest.toml")
	cfg := DefaultConfig()
	cfg.Ledger.Backend = "memory"
	cfg.Policy.Version = 4

	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Ledger.Backend != "memory" || loaded.Policy.Version != 4 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
