package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/deferral/internal/api"
	"github.com/livinlefevreloca/deferral/internal/bus"
	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/waker"
)

// Store drivers
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite3"
	StoreNATS   = "nats"
)

// Config represents the application configuration
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Database db.Config      `toml:"database"`
	NATS     bus.Config     `toml:"nats"`
	Waker    waker.Config   `toml:"waker"`
	HTTP     api.Config     `toml:"http"`
	Logging  LoggingConfig  `toml:"logging"`
	Payloads PayloadsConfig `toml:"payloads"`
}

// StoreConfig selects where scheduled operations are persisted
type StoreConfig struct {
	Driver string `toml:"driver"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// PayloadsConfig lists the command types this host accepts. Each is
// forwarded as raw JSON.
type PayloadsConfig struct {
	Types []string `toml:"types"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Driver: StoreSQLite},
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "deferral.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
			SkipMigrations:  false,
		},
		NATS:  bus.DefaultConfig(),
		Waker: waker.DefaultConfig(),
		HTTP:  api.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Payloads: PayloadsConfig{Types: []string{"command"}},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Database.Driver != "sqlite3" {
			return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN must be specified")
		}
	case StoreNATS:
		if !c.NATS.Enabled {
			return fmt.Errorf("store driver nats requires [nats] enabled = true")
		}
	default:
		return fmt.Errorf("unsupported store driver: %q (must be memory, sqlite3, or nats)", c.Store.Driver)
	}

	if c.NATS.Enabled {
		if err := c.NATS.Validate(); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	if err := c.Waker.Validate(); err != nil {
		return fmt.Errorf("waker: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if len(c.Payloads.Types) == 0 {
		return fmt.Errorf("payloads.types must list at least one command type")
	}
	seen := make(map[string]bool, len(c.Payloads.Types))
	for _, typ := range c.Payloads.Types {
		if typ == "" {
			return fmt.Errorf("payloads.types contains an empty type")
		}
		if seen[typ] {
			return fmt.Errorf("payloads.types lists %q twice", typ)
		}
		seen[typ] = true
		// Each type becomes the last part of its command subject.
		if c.NATS.Enabled && !bus.ValidSubjectToken(typ) {
			return fmt.Errorf("payloads.types entry %q is not a valid NATS subject token", typ)
		}
	}

	return nil
}

// NewLogger builds the process logger described by the logging section
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
}
