// Package main is the entry point for the poolplane worker.
// The worker claims job requests, renders them against their work pool,
// submits them to the execution backend and reports their terminal state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"poolplane/internal/config"
	"poolplane/internal/logger"
	"poolplane/internal/observability"
	"poolplane/internal/store/postgres"
	"poolplane/internal/worker"
	"poolplane/internal/worker/runtime"
	"poolplane/internal/worker/submission"
	"poolplane/internal/worker/tracker"
	"poolplane/internal/workpool"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: poolplane.yaml in current directory)")
	flag.Parse()

	log := logger.New()

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
	if cfg.WorkerID == "" {
		cfg.WorkerID, _ = os.Hostname()
	}
	log = log.With("worker_id", cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TraceOptions{
		ServiceName: "poolplane-worker",
		Endpoint:    cfg.OTELEndpoint,
		Attributes:  map[string]string{"service.instance.id": cfg.WorkerID},
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
	metrics, err := observability.NewWorkerMetrics()
	if err != nil {
		log.Error("failed to create worker metrics", "error", err)
		os.Exit(1)
	}

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rt, err := newRuntime(cfg, log)
	if err != nil {
		log.Error("failed to create runtime", "runtime", cfg.Runtime, "error", err)
		os.Exit(1)
	}

	var source workpool.Source = store
	if cfg.PoolSource == "file" {
		source = workpool.NewFileSource(cfg.PoolFile)
		log.Info("loading work pools from file", "path", cfg.PoolFile)
	}
	registry := workpool.NewRegistry(source, workpool.Options{
		TTL:          cfg.RegistryTTL,
		StaleCeiling: cfg.RegistryStaleCeiling,
		Logger:       log,
	})
	go registry.Run(ctx)

	client := submission.New(rt, submission.Options{
		MaxAttempts:    cfg.SubmitMaxAttempts,
		BackoffBase:    cfg.SubmitBackoffBase,
		BackoffMax:     cfg.SubmitBackoffMax,
		AttemptTimeout: cfg.SubmitAttemptTimeout,
		RateLimit:      cfg.SubmitRateLimit,
		RateBurst:      cfg.SubmitRateBurst,
		Logger:         log,
		Metrics:        metrics,
	})

	agent, err := worker.New(store, store, registry, client, worker.AgentConfig{
		ID:                  cfg.WorkerID,
		Pools:               cfg.WorkPools,
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		ControllerURL:       cfg.ControllerURL,
		SystemSecret:        cfg.SystemSecret,
		MaxBackoff:          cfg.WorkerMaxBackoff,
		HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
		VisibilityExtension: cfg.WorkerVisibilityExtension,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
		RequeueDelay:        cfg.WorkerRequeueDelay,
		Tracker: tracker.Options{
			PollInterval:    cfg.TrackerPollInterval,
			RewatchInterval: cfg.TrackerRewatchInterval,
			TerminalTimeout: cfg.TerminalTimeout,
			PendingTimeout:  client.MaxDuration() + cfg.TerminalTimeout,
		},
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		log.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	// Dedicated metrics and health server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           healthMux(agent, metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("worker metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	log.Info("worker started", "concurrency", cfg.WorkerConcurrency, "pools", cfg.WorkPools, "runtime", cfg.Runtime)
	if err := agent.Run(ctx); err != nil {
		log.Error("worker stopped", "error", err)
	}
	<-agent.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("worker exited")
}

func newRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case runtime.BackendDocker:
		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, err
		}
		log.Info("using docker runtime")
		return rt, nil
	default:
		rt, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:      cfg.KubernetesNamespace,
			ServiceAccount: cfg.KubernetesServiceAccount,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using kubernetes runtime", "namespace", cfg.KubernetesNamespace)
		return rt, nil
	}
}

type healthChecker interface {
	Healthy() error
	TrackerMode() tracker.Mode
	InFlight() int
}

func healthMux(agent healthChecker, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":       "healthy",
			"tracker_mode": agent.TrackerMode().String(),
			"in_flight":    agent.InFlight(),
		}
		code := http.StatusOK
		if err := agent.Healthy(); err != nil {
			status["status"] = "degraded"
			status["reason"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}
