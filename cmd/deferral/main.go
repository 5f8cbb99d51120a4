package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/livinlefevreloca/deferral/internal/api"
	"github.com/livinlefevreloca/deferral/internal/bus"
	"github.com/livinlefevreloca/deferral/internal/config"
	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/kv"
	"github.com/livinlefevreloca/deferral/internal/operation"
	"github.com/livinlefevreloca/deferral/internal/store/memory"
	"github.com/livinlefevreloca/deferral/internal/waker"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "config_file", *configFile, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		slog.Error("invalid logging configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("deferral exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting deferral scheduler",
		"store", cfg.Store.Driver,
		"nats", cfg.NATS.Enabled,
		"http", cfg.HTTP.Enabled)

	health := make(map[string]api.HealthFunc)

	// Connect to NATS first: the KV store and the sink both need it
	var conn *bus.Conn
	if cfg.NATS.Enabled {
		var err error
		conn, err = bus.Connect(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		health["nats"] = func(context.Context) error {
			if !conn.Connected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	store, closeStore, err := openStore(ctx, cfg, conn, logger, health)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := operation.NewRegistry()
	for _, typ := range cfg.Payloads.Types {
		operation.RegisterRaw(registry, typ)
	}
	logger.Info("payload types registered", "types", cfg.Payloads.Types)

	var sink emitter.Sink = emitter.LogSink{Logger: logger}
	if conn != nil {
		sink = bus.NewSink(conn.JetStream(), cfg.NATS.SubjectPrefix, cfg.NATS.PublishTimeout)
	}

	em := emitter.New(store, registry, sink, emitter.SystemClock{}, logger)

	w, err := waker.New(em, emitter.SystemClock{}, cfg.Waker, logger)
	if err != nil {
		return fmt.Errorf("creating waker: %w", err)
	}
	em.AddAnnouncer(w)

	if conn != nil && cfg.NATS.Announce {
		em.AddAnnouncer(bus.NewAnnouncer(conn.NATS(), cfg.NATS.SubjectPrefix))
		sub, err := bus.ListenWake(conn.NATS(), cfg.NATS.SubjectPrefix, w, logger)
		if err != nil {
			return err
		}
		defer unsubscribe(sub, logger)
	}

	// Startup recovery happens inside Start: the waker reads the earliest
	// persisted operation before arming anything.
	w.Start(ctx)
	defer w.Stop()

	if conn != nil && cfg.NATS.Intake {
		intake := bus.NewIntake(conn.NATS(), em, cfg.NATS.SubjectPrefix, cfg.NATS.PublishTimeout, logger)
		if err := intake.Start(); err != nil {
			return err
		}
		defer func() {
			if err := intake.Stop(); err != nil {
				logger.Warn("failed to drain schedule intake", "error", err)
			}
		}()
	}

	var serverDone <-chan error
	if cfg.HTTP.Enabled {
		handler := api.NewHandler(em, health, logger)
		srv := api.NewServer(cfg.HTTP, api.NewRouter(handler, cfg.HTTP.MaxBodyBytes), logger)
		if err := srv.Start(); err != nil {
			return err
		}
		serverDone = srv.Done()
		defer func() {
			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
		}()
	}

	logger.Info("deferral is running")

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		return nil
	case err := <-serverDone:
		return fmt.Errorf("http server stopped: %w", err)
	case <-w.Done():
		if ctx.Err() != nil {
			logger.Info("shutting down gracefully")
			return nil
		}
		return errors.New("wake loop stopped unexpectedly")
	}
}

// openStore opens the configured operation store. The returned close
// function is always safe to call.
func openStore(ctx context.Context, cfg *config.Config, conn *bus.Conn, logger *slog.Logger, health map[string]api.HealthFunc) (emitter.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		logger.Warn("using in-memory store, scheduled operations will not survive a restart")
		return memory.New(), func() {}, nil

	case config.StoreNATS:
		bucket, err := conn.KeyValue(ctx)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using NATS KV store", "bucket", cfg.NATS.Bucket)
		return kv.NewStore(bucket, logger), func() {}, nil

	default:
		logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
		database, err := db.OpenWithConfig(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		closeDB := func() {
			if err := database.Close(); err != nil {
				logger.Warn("failed to close database", "error", err)
			}
		}

		if cfg.Database.SkipMigrations {
			logger.Info("skipping migrations", "reason", "configured to skip")
		} else {
			if err := database.Migrate(ctx); err != nil {
				closeDB()
				return nil, nil, fmt.Errorf("running migrations: %w", err)
			}
			version, err := database.SchemaVersion(ctx)
			if err != nil {
				closeDB()
				return nil, nil, fmt.Errorf("reading schema version: %w", err)
			}
			logger.Info("database schema ready", "version", version)
		}

		health["store"] = database.PingContext
		return db.NewOperationStore(database, logger), closeDB, nil
	}
}

func unsubscribe(sub *nats.Subscription, logger *slog.Logger) {
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		logger.Warn("failed to unsubscribe", "subject", sub.Subject, "error", err)
	}
}
