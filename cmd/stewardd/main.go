// stewardd runs the steward orchestrator as a standalone daemon: it hosts
// the registry, dispatcher, engine, and monitor over the configured store
// and bus, and serves until interrupted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/stewardhq/steward"
	"github.com/stewardhq/steward/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "stewardd",
		Short:         "Workflow orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")
	root.AddCommand(newServeCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfgPath)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer closeStore()

	b, err := openBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening bus: %w", err)
	}

	rt := steward.NewRuntime(st, b, steward.Options{
		Strategy:      strategyFor(cfg.Dispatch.Strategy),
		AgentCeiling:  cfg.Dispatch.AgentCeiling,
		SweepInterval: cfg.Monitor.SweepInterval,
		StuckAfter:    cfg.Monitor.StuckAfter,
		Retention:     cfg.Monitor.Retention,
		Observer:      steward.NewLoggingObserver(logger),
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	logger.Info("stewardd started",
		slog.String("store", cfg.Store.Driver),
		slog.String("bus", cfg.Bus.Driver),
		slog.String("strategy", cfg.Dispatch.Strategy),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	rt.Stop()
	return nil
}

func openStore(cfg *config.Config) (steward.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return steward.NewInMemoryStore(), func() {}, nil

	case "sqlite":
		db, err := sql.Open("sqlite", "file:"+cfg.Store.Path+"?_journal=WAL")
		if err != nil {
			return nil, nil, err
		}
		st, err := steward.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		st, err := steward.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openBus(cfg *config.Config, logger *slog.Logger) (steward.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return steward.NewInMemoryBus(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Bus.Addr,
			DB:   cfg.Bus.DB,
		})
		return steward.NewRedisBus(client, logger), nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

func strategyFor(name string) steward.Strategy {
	switch name {
	case "round_robin":
		return steward.NewRoundRobin()
	case "least_loaded":
		return steward.LeastLoaded{}
	default:
		return steward.FirstAvailable{}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
