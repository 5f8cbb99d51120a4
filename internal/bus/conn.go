// Package bus connects the scheduler to NATS: dispatched commands go out
// through JetStream, wake events are announced on core NATS, and schedule
// requests can arrive over request/reply.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn is a NATS connection with its JetStream context.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
	logger *slog.Logger
}

// Connect dials NATS and makes sure the command stream exists.
func Connect(ctx context.Context, config Config, logger *slog.Logger) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Conn{nc: nc, js: js, config: config, logger: logger}
	if err := c.setupStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("connected to nats", "url", nc.ConnectedUrl(), "stream", config.Stream)
	return c, nil
}

func (c *Conn) setupStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       c.config.Stream,
		Subjects:   []string{CommandsAllSubject(c.config.SubjectPrefix)},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Discard:    jetstream.DiscardOld,
		Duplicates: c.config.DuplicateWindow,
		Replicas:   c.config.Replicas,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", c.config.Stream, err)
	}
	return nil
}

// KeyValue opens (creating if needed) the operations bucket.
func (c *Conn) KeyValue(ctx context.Context) (jetstream.KeyValue, error) {
	bucket, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   c.config.Bucket,
		History:  1,
		Storage:  jetstream.FileStorage,
		Replicas: c.config.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", c.config.Bucket, err)
	}
	return bucket, nil
}

// NATS returns the underlying connection.
func (c *Conn) NATS() *nats.Conn {
	return c.nc
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// Config returns the settings the connection was made with.
func (c *Conn) Config() Config {
	return c.config
}

// Connected reports whether the client currently has a server connection.
func (c *Conn) Connected() bool {
	return c.nc.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}
