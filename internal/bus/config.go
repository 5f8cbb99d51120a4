package bus

import (
	"fmt"
	"strings"
	"time"
)

// Config holds NATS connection and JetStream settings
type Config struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Name    string `toml:"name"`

	// Root of every subject the scheduler publishes or listens on
	SubjectPrefix string `toml:"subject_prefix"`

	// JetStream stream that captures dispatched commands
	Stream string `toml:"stream"`

	// Broker-side dedupe window for Nats-Msg-Id
	DuplicateWindow time.Duration `toml:"duplicate_window"`

	// KV bucket used when the store driver is "nats"
	Bucket   string `toml:"bucket"`
	Replicas int    `toml:"replicas"`

	ConnectTimeout time.Duration `toml:"connect_timeout"`
	PublishTimeout time.Duration `toml:"publish_timeout"`
	ReconnectWait  time.Duration `toml:"reconnect_wait"`

	// Publish every WakeEvent on <prefix>.wake
	Announce bool `toml:"announce"`

	// Accept schedule commands on <prefix>.schedule
	Intake bool `toml:"intake"`
}

// DefaultConfig returns NATS defaults for a local server
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		URL:             "nats://localhost:4222",
		Name:            "deferral",
		SubjectPrefix:   "deferral",
		Stream:          "DEFERRAL_COMMANDS",
		DuplicateWindow: 2 * time.Minute,
		Bucket:          "deferral-operations",
		Replicas:        1,
		ConnectTimeout:  5 * time.Second,
		PublishTimeout:  5 * time.Second,
		ReconnectWait:   time.Second,
		Announce:        true,
		Intake:          true,
	}
}

// Validate returns an error describing the first invalid setting
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url must be specified")
	}
	if c.SubjectPrefix == "" || !ValidSubjectToken(c.SubjectPrefix) {
		return fmt.Errorf("invalid nats subject_prefix: %q", c.SubjectPrefix)
	}
	if c.Stream == "" || strings.ContainsAny(c.Stream, ". *>") {
		return fmt.Errorf("invalid nats stream name: %q", c.Stream)
	}
	if c.Bucket == "" {
		return fmt.Errorf("nats bucket must be specified")
	}
	if c.Replicas < 1 {
		return fmt.Errorf("nats replicas must be at least 1, got %d", c.Replicas)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("nats publish_timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("nats connect_timeout must be positive")
	}
	return nil
}
