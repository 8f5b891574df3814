// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/oraculo/zkattest/pkg/address"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ZKATTEST_"

// Paths holds XDG-compliant paths for zkattest.
type Paths struct {
	ConfigDir   string // ~/.config/zkattest
	DataDir     string // ~/.local/share/zkattest
	ConfigFile  string // ~/.config/zkattest/zkattest.toml
	LedgerPath  string // ~/.local/share/zkattest/ledger
	IssuersFile string // ~/.config/zkattest/issuers.txt
	AdminKey    string // ~/.config/zkattest/admin.json
	KeyDir      string // ~/.local/share/zkattest/keys
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "zkattest")
	dataDir := filepath.Join(home, ".local", "share", "zkattest")

	return Paths{
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(configDir, "zkattest.toml"),
		LedgerPath:  filepath.Join(dataDir, "ledger"),
		IssuersFile: filepath.Join(configDir, "issuers.txt"),
		AdminKey:    filepath.Join(configDir, "admin.json"),
		KeyDir:      filepath.Join(dataDir, "keys"),
	}
}

// EnsureDirectories creates config and data directories if they don't exist.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0700)
}

// Config holds configuration for zkattestd and the zkattest CLI.
type Config struct {
	Program ProgramConfig `toml:"program"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Policy  PolicyConfig  `toml:"policy"`
	Engine  EngineConfig  `toml:"engine"`
	ZK      ZKConfig      `toml:"zk"`
	Events  EventsConfig  `toml:"events"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// ProgramConfig names the program that owns every derived address.
type ProgramConfig struct {
	ID string `toml:"id"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend string `toml:"backend"` // memory, badger or sql
	Path    string `toml:"path"`    // badger directory; empty runs badger in memory
	Driver  string `toml:"driver"`  // sqlite or postgres
	DSN     string `toml:"dsn"`
}

// PolicyConfig holds the trust policy managed by the daemon.
type PolicyConfig struct {
	Version     uint32 `toml:"version"`
	AdminKey    string `toml:"admin_key"`    // solana keygen JSON file
	IssuersFile string `toml:"issuers_file"` // one issuer name or hex hash per line
	Watch       bool   `toml:"watch"`        // rotate the root when IssuersFile changes
}

// EngineConfig tunes the verification engine.
type EngineConfig struct {
	CommitAttempts int `toml:"commit_attempts"`
}

// ZKConfig locates the circuit keys. Processes sharing KeyDir agree on
// verifying key ids.
type ZKConfig struct {
	KeyDir string `toml:"key_dir"`
}

// EventsConfig configures the event publisher. An empty AMQPURL logs
// events only.
type EventsConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `toml:"level"`  // debug, info, warn, error
	Format     string `toml:"format"` // json or text
	File       string `toml:"file"`   // rotated through lumberjack when set
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	paths := DefaultPaths()
	return Config{
		Program: ProgramConfig{
			ID: address.DefaultProgramID,
		},
		Ledger: LedgerConfig{
			Backend: "badger",
			Path:    paths.LedgerPath,
			Driver:  "sqlite",
		},
		Policy: PolicyConfig{
			Version:     1,
			AdminKey:    paths.AdminKey,
			IssuersFile: paths.IssuersFile,
			Watch:       true,
		},
		Engine: EngineConfig{
			CommitAttempts: 3,
		},
		ZK: ZKConfig{
			KeyDir: paths.KeyDir,
		},
		Events: EventsConfig{
			Exchange: "zkattest.events",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads a Config from a TOML file, then applies .env and ZKATTEST_*
// environment overrides. A missing file yields the defaults plus overrides.
// Paths with ~ are expanded to the user's home directory.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from ZKATTEST_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("PROGRAM_ID", &c.Program.ID)
	str("LEDGER_BACKEND", &c.Ledger.Backend)
	str("LEDGER_PATH", &c.Ledger.Path)
	str("LEDGER_DRIVER", &c.Ledger.Driver)
	str("LEDGER_DSN", &c.Ledger.DSN)
	str("ADMIN_KEY", &c.Policy.AdminKey)
	str("ISSUERS_FILE", &c.Policy.IssuersFile)
	str("KEY_DIR", &c.ZK.KeyDir)
	str("AMQP_URL", &c.Events.AMQPURL)
	str("AMQP_EXCHANGE", &c.Events.Exchange)
	str("METRICS_LISTEN", &c.Metrics.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if v, ok := lookup(EnvPrefix + "POLICY_VERSION"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%sPOLICY_VERSION: %w", EnvPrefix, err)
		}
		c.Policy.Version = uint32(n)
	}
	if v, ok := lookup(EnvPrefix + "COMMIT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCOMMIT_ATTEMPTS: %w", EnvPrefix, err)
		}
		c.Engine.CommitAttempts = n
	}
	if v, ok := lookup(EnvPrefix + "POLICY_WATCH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sPOLICY_WATCH: %w", EnvPrefix, err)
		}
		c.Policy.Watch = b
	}
	return nil
}

func (c *Config) expand() {
	c.Ledger.Path = ExpandPath(c.Ledger.Path)
	c.Policy.AdminKey = ExpandPath(c.Policy.AdminKey)
	c.Policy.IssuersFile = ExpandPath(c.Policy.IssuersFile)
	c.ZK.KeyDir = ExpandPath(c.ZK.KeyDir)
	c.Log.File = ExpandPath(c.Log.File)
	if c.Ledger.Driver == "sqlite" {
		c.Ledger.DSN = ExpandPath(c.Ledger.DSN)
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := address.NewDeriver(c.Program.ID); err != nil {
		return fmt.Errorf("program.id: %w", err)
	}

	switch c.Ledger.Backend {
	case "memory", "badger":
	case "sql":
		if c.Ledger.Driver != "sqlite" && c.Ledger.Driver != "postgres" {
			return fmt.Errorf("ledger.driver must be sqlite or postgres, got %q", c.Ledger.Driver)
		}
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the sql backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be memory, badger or sql, got %q", c.Ledger.Backend)
	}

	if c.Policy.Version == 0 {
		return fmt.Errorf("policy.version must be non-zero")
	}
	if c.Engine.CommitAttempts < 1 {
		return fmt.Errorf("engine.commit_attempts must be at least 1")
	}
	if c.ZK.KeyDir == "" {
		return fmt.Errorf("zk.key_dir is required")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// Save writes cfg as TOML to path, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode TOML: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
