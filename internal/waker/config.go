package waker

import (
	"fmt"
	"time"
)

// Config controls the wake loop's timer and retry behavior.
type Config struct {
	// Longest single sleep. When it expires before the target is due the
	// loop re-reads the target from the store, which also picks up changes
	// made by other processes sharing the store.
	MaxSleep time.Duration `toml:"max_sleep"`

	// Backoff after a failed wake cycle, doubled per consecutive failure up to RetryMax.
	RetryBase time.Duration `toml:"retry_base"`
	RetryMax  time.Duration `toml:"retry_max"`

	// Buffered wake events waiting for the loop
	InboxBufferSize int `toml:"inbox_buffer_size"`
}

// DefaultConfig returns the wake loop defaults
func DefaultConfig() Config {
	return Config{
		MaxSleep:        60 * time.Second,
		RetryBase:       100 * time.Millisecond,
		RetryMax:        30 * time.Second,
		InboxBufferSize: 1024,
	}
}

// Validate returns an error describing the first invalid setting
func (c Config) Validate() error {
	if c.MaxSleep <= 0 {
		return fmt.Errorf("MaxSleep must be positive, got %v", c.MaxSleep)
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("RetryBase must be positive, got %v", c.RetryBase)
	}
	if c.RetryMax < c.RetryBase {
		return fmt.Errorf("RetryMax (%v) must be at least RetryBase (%v)", c.RetryMax, c.RetryBase)
	}
	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}
	return nil
}

// backoff returns the wait before retry number attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	d := c.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMax {
			return c.RetryMax
		}
	}
	return d
}
