package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sowankispassah/khasigpt/internal/api"
	"github.com/sowankispassah/khasigpt/internal/config"
	"github.com/sowankispassah/khasigpt/internal/log"
	"github.com/sowankispassah/khasigpt/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := log.New(log.Config{
		Level: level,
		JSON:  cfg.LogJSON,
	})

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var st store.Store
	if cfg.InMemory {
		logger.Info("using in-memory store")
		st = store.NewMemory()
	} else {
		connURL := cfg.PostgresURL()
		if err := store.Migrate(connURL); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		pool, err := store.Connect(ctx, connURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		st = store.NewPostgres(pool, logger)
	}

	srv := api.NewServer(api.Config{
		Store:         st,
		Generator:     api.NewSimGenerator(time.Duration(cfg.SimDelayMS) * time.Millisecond),
		Logger:        logger,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
	})

	addr := cfg.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	logger.Info("starting server", "addr", addr, "version", AppVersion)
	return srv.Run(ctx, addr)
}
