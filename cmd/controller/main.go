// Package main is the entry point for the poolplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"poolplane/internal/config"
	"poolplane/internal/controller"
	"poolplane/internal/logger"
	"poolplane/internal/observability"
	"poolplane/internal/store/postgres"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: poolplane.yaml in current directory)")
	flag.Parse()

	log := logger.New()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	configured, err := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	log = configured

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if *migrateFlag {
		log.Info("running database migrations")
		if err := postgres.Migrate(store.DB()); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("migrations completed")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TraceOptions{
		ServiceName: "poolplane-controller",
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// The gauge queries the DB only when scraped.
	if err := observability.RegisterQueueDepth(store.Count); err != nil {
		log.Warn("failed to register queue depth metric", "error", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, store, controller.Config{
		SystemSecret: cfg.SystemSecret,
		RateLimit:    cfg.APIRateLimit,
		RateBurst:    cfg.APIRateBurst,
		Metrics:      metricsHandler,
		Logger:       log,
	})

	log.Info("controller starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("controller exited")
}
