package api

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds the HTTP listener settings.
type Config struct {
	Enabled         bool          `toml:"enabled"`
	Address         string        `toml:"address"`
	Port            int           `toml:"port"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Address:         "0.0.0.0",
		Port:            8080,
		MaxBodyBytes:    1 << 20,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Validate checks the listener settings.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", c.ShutdownTimeout)
	}
	return nil
}

// Addr is the host:port the server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}
