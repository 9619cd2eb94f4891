// Package config loads poolplane configuration from defaults, an optional
// YAML file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Port of the worker's metrics and health server
	MetricsPort int

	// URL of the Control Plane (e.g., "http://localhost:6161")
	ControllerURL string

	// slog level (debug, info, warn, error) and encoding (json, text)
	LogLevel  string
	LogFormat string

	// Shared secret for /internal endpoints
	SystemSecret string

	// OTLP gRPC collector address (empty disables export) and root span sample ratio
	OTELEndpoint    string
	OTELSampleRatio float64

	// Public API rate limit (requests/second, 0 disables) and burst
	APIRateLimit float64
	APIRateBurst int

	// Worker identity and the pools it serves (empty means all pools)
	WorkerID  string
	WorkPools []string

	WorkerConcurrency         int
	WorkerPollInterval        time.Duration
	WorkerMaxBackoff          time.Duration
	WorkerHeartbeatInterval   time.Duration
	WorkerVisibilityExtension time.Duration
	ShutdownGracePeriod       time.Duration

	// Delay before a request whose pool definition could not be loaded is claimable again
	WorkerRequeueDelay time.Duration

	// Execution backend: "kubernetes" or "docker"
	Runtime                  string
	KubernetesNamespace      string
	KubernetesServiceAccount string

	// Where pool definitions come from: "postgres" or "file"
	PoolSource           string
	PoolFile             string
	RegistryTTL          time.Duration
	RegistryStaleCeiling time.Duration

	// Submission retry policy
	SubmitMaxAttempts    int
	SubmitBackoffBase    time.Duration
	SubmitBackoffMax     time.Duration
	SubmitAttemptTimeout time.Duration
	SubmitRateLimit      float64
	SubmitRateBurst      int

	// Lifecycle tracking
	TrackerPollInterval    time.Duration
	TrackerRewatchInterval time.Duration
	TerminalTimeout        time.Duration
}

var envBindings = map[string]string{
	"database_url":                "DATABASE_URL",
	"http_port":                   "PORT",
	"metrics_port":                "METRICS_PORT",
	"controller_url":              "CONTROLLER_URL",
	"system_secret":               "SYSTEM_SECRET",
	"log_level":                   "LOG_LEVEL",
	"log_format":                  "LOG_FORMAT",
	"otel_endpoint":               "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otel_sample_ratio":           "OTEL_TRACES_SAMPLER_ARG",
	"api_rate_limit":              "API_RATE_LIMIT",
	"api_rate_burst":              "API_RATE_BURST",
	"worker_id":                   "WORKER_ID",
	"work_pools":                  "WORK_POOLS",
	"worker_concurrency":          "WORKER_CONCURRENCY",
	"worker_poll_interval":        "WORKER_POLL_INTERVAL",
	"worker_max_backoff":          "WORKER_MAX_BACKOFF",
	"worker_heartbeat_interval":   "WORKER_HEARTBEAT_INTERVAL",
	"worker_visibility_extension": "WORKER_VISIBILITY_EXTENSION",
	"shutdown_grace_period":       "SHUTDOWN_GRACE_PERIOD",
	"worker_requeue_delay":        "WORKER_REQUEUE_DELAY",
	"runtime":                     "RUNTIME",
	"kubernetes_namespace":        "KUBERNETES_NAMESPACE",
	"kubernetes_service_account":  "KUBERNETES_SERVICE_ACCOUNT",
	"pool_source":                 "POOL_SOURCE",
	"pool_file":                   "POOL_FILE",
	"registry_ttl":                "REGISTRY_TTL",
	"registry_stale_ceiling":      "REGISTRY_STALE_CEILING",
	"submit_max_attempts":         "SUBMIT_MAX_ATTEMPTS",
	"submit_backoff_base":         "SUBMIT_BACKOFF_BASE",
	"submit_backoff_max":          "SUBMIT_BACKOFF_MAX",
	"submit_attempt_timeout":      "SUBMIT_ATTEMPT_TIMEOUT",
	"submit_rate_limit":           "SUBMIT_RATE_LIMIT",
	"submit_rate_burst":           "SUBMIT_RATE_BURST",
	"tracker_poll_interval":       "TRACKER_POLL_INTERVAL",
	"tracker_rewatch_interval":    "TRACKER_REWATCH_INTERVAL",
	"terminal_timeout":            "TERMINAL_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 6161)
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("api_rate_limit", 50.0)
	v.SetDefault("api_rate_burst", 100)

	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("worker_heartbeat_interval", 2*time.Minute)
	v.SetDefault("worker_visibility_extension", 5*time.Minute)
	v.SetDefault("shutdown_grace_period", 30*time.Second)
	v.SetDefault("worker_requeue_delay", 30*time.Second)

	v.SetDefault("runtime", "kubernetes")
	v.SetDefault("kubernetes_namespace", "default")

	v.SetDefault("pool_source", "postgres")
	v.SetDefault("registry_ttl", 30*time.Second)
	v.SetDefault("registry_stale_ceiling", 10*time.Minute)

	v.SetDefault("submit_max_attempts", 5)
	v.SetDefault("submit_backoff_base", 500*time.Millisecond)
	v.SetDefault("submit_backoff_max", 10*time.Second)
	v.SetDefault("submit_attempt_timeout", 30*time.Second)
	v.SetDefault("submit_rate_limit", 10.0)
	v.SetDefault("submit_rate_burst", 20)

	v.SetDefault("tracker_poll_interval", 5*time.Second)
	v.SetDefault("tracker_rewatch_interval", 30*time.Second)
	v.SetDefault("terminal_timeout", 10*time.Minute)
}

// Load reads configuration. When path is empty, poolplane.yaml in the
// current directory is used if present. Environment variables always win.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("poolplane")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		DatabaseURL:     v.GetString("database_url"),
		HTTPPort:        v.GetInt("http_port"),
		MetricsPort:     v.GetInt("metrics_port"),
		ControllerURL:   strings.TrimSuffix(v.GetString("controller_url"), "/"),
		SystemSecret:    v.GetString("system_secret"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		OTELEndpoint:    v.GetString("otel_endpoint"),
		OTELSampleRatio: v.GetFloat64("otel_sample_ratio"),
		APIRateLimit:    v.GetFloat64("api_rate_limit"),
		APIRateBurst:    v.GetInt("api_rate_burst"),

		WorkerID:                  v.GetString("worker_id"),
		WorkPools:                 stringList(v.Get("work_pools")),
		WorkerConcurrency:         v.GetInt("worker_concurrency"),
		WorkerPollInterval:        v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:          v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval:   v.GetDuration("worker_heartbeat_interval"),
		WorkerVisibilityExtension: v.GetDuration("worker_visibility_extension"),
		ShutdownGracePeriod:       v.GetDuration("shutdown_grace_period"),
		WorkerRequeueDelay:        v.GetDuration("worker_requeue_delay"),

		Runtime:                  v.GetString("runtime"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),

		PoolSource:           v.GetString("pool_source"),
		PoolFile:             v.GetString("pool_file"),
		RegistryTTL:          v.GetDuration("registry_ttl"),
		RegistryStaleCeiling: v.GetDuration("registry_stale_ceiling"),

		SubmitMaxAttempts:    v.GetInt("submit_max_attempts"),
		SubmitBackoffBase:    v.GetDuration("submit_backoff_base"),
		SubmitBackoffMax:     v.GetDuration("submit_backoff_max"),
		SubmitAttemptTimeout: v.GetDuration("submit_attempt_timeout"),
		SubmitRateLimit:      v.GetFloat64("submit_rate_limit"),
		SubmitRateBurst:      v.GetInt("submit_rate_burst"),

		TrackerPollInterval:    v.GetDuration("tracker_poll_interval"),
		TrackerRewatchInterval: v.GetDuration("tracker_rewatch_interval"),
		TerminalTimeout:        v.GetDuration("terminal_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}

	switch c.Runtime {
	case "kubernetes", "docker":
	default:
		return fmt.Errorf("invalid runtime %q: must be kubernetes or docker", c.Runtime)
	}

	switch c.PoolSource {
	case "postgres":
	case "file":
		if c.PoolFile == "" {
			return errors.New("pool_file is required when pool_source is file (env: POOL_FILE)")
		}
	default:
		return fmt.Errorf("invalid pool_source %q: must be postgres or file", c.PoolSource)
	}

	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("otel_sample_ratio %v must be between 0 and 1 (env: OTEL_TRACES_SAMPLER_ARG)", c.OTELSampleRatio)
	}

	if c.RegistryStaleCeiling < c.RegistryTTL {
		return fmt.Errorf("registry_stale_ceiling (%v) must not be shorter than registry_ttl (%v)", c.RegistryStaleCeiling, c.RegistryTTL)
	}
	return nil
}

// stringList accepts either a YAML list or a comma separated string.
func stringList(raw any) []string {
	var items []string
	switch v := raw.(type) {
	case string:
		items = strings.Split(v, ",")
	case []string:
		items = v
	case []any:
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
	}

	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
