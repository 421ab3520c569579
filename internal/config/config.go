// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database connections, Redis, delivery
// worker tuning, retry policy, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the
// dashboard API.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "ethhook")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DatabaseConfig selects the ledger backend. SQLite is used for development
// and tests; Postgres is the production target.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // file path for sqlite, connection URL for postgres
}

// RedisConfig defines the event stream and endpoint-change channels consumed
// from Redis. An empty URL disables the Redis consumers entirely (the
// pipeline is then fed only through its in-process Ingest API).
type RedisConfig struct {
	URL           string // REDIS_URL, e.g. "redis://localhost:6379/0"
	EventStream   string // stream the ingestor XADDs decoded events to
	ConsumerGroup string // XREADGROUP consumer group name
	ConsumerName  string // this instance's consumer name within the group
	ChangeChannel string // pub/sub channel for endpoint change notifications
}

// DeliveryConfig tunes the webhook worker pool and retry policy.
type DeliveryConfig struct {
	Workers          int           // number of pool workers
	QueueSize        int           // delivery job channel capacity
	HTTPTimeout      time.Duration // per-attempt request timeout
	MaxAttempts      int           // attempts per (event, endpoint) pair
	BackoffBase      time.Duration // first retry delay before jitter
	BackoffCap       time.Duration // retry delay ceiling
	EndpointSlots    int           // max in-flight deliveries per endpoint
	DefaultRPS       float64       // per-endpoint rate limit when unset on the endpoint
	BreakerThreshold int           // consecutive failures before the circuit opens
	BreakerCooldown  time.Duration // how long an open circuit blocks dispatch
	MaxResponseBytes int           // response body bytes kept per attempt
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	Database DatabaseConfig
	Redis    RedisConfig
	Delivery DeliveryConfig

	// Web protection
	CORS CORSConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		Database: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", "ethhook.db"),
		},

		Redis: RedisConfig{
			URL:           getenv("REDIS_URL", ""),
			EventStream:   getenv("REDIS_EVENT_STREAM", "events:ingested"),
			ConsumerGroup: getenv("REDIS_CONSUMER_GROUP", "delivery"),
			ConsumerName:  getenv("REDIS_CONSUMER_NAME", "delivery-1"),
			ChangeChannel: getenv("REDIS_CHANGE_CHANNEL", "endpoints:changed"),
		},

		Delivery: DeliveryConfig{
			Workers:          getint("DELIVERY_WORKERS", 16),
			QueueSize:        getint("DELIVERY_QUEUE_SIZE", 1024),
			HTTPTimeout:      getdur("HTTP_TIMEOUT", 10*time.Second),
			MaxAttempts:      getint("MAX_ATTEMPTS", 5),
			BackoffBase:      getdur("BACKOFF_BASE", time.Second),
			BackoffCap:       getdur("BACKOFF_CAP", 300*time.Second),
			EndpointSlots:    getint("ENDPOINT_SLOTS", 4),
			DefaultRPS:       getfloat("ENDPOINT_DEFAULT_RPS", 10.0),
			BreakerThreshold: getint("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getdur("BREAKER_COOLDOWN", 60*time.Second),
			MaxResponseBytes: getint("MAX_RESPONSE_BYTES", 10<<10),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "ethhook"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	if cfg.Delivery.Workers < 1 {
		return cfg, errors.New("DELIVERY_WORKERS must be >= 1")
	}
	if cfg.Delivery.QueueSize < 1 {
		return cfg, errors.New("DELIVERY_QUEUE_SIZE must be >= 1")
	}
	if cfg.Delivery.HTTPTimeout <= 0 {
		return cfg, errors.New("HTTP_TIMEOUT must be > 0")
	}
	if cfg.Delivery.MaxAttempts < 1 {
		return cfg, errors.New("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Delivery.BackoffBase <= 0 || cfg.Delivery.BackoffCap < cfg.Delivery.BackoffBase {
		return cfg, errors.New("BACKOFF_BASE must be > 0 and BACKOFF_CAP >= BACKOFF_BASE")
	}
	if cfg.Delivery.EndpointSlots < 1 {
		return cfg, errors.New("ENDPOINT_SLOTS must be >= 1")
	}
	if cfg.Delivery.DefaultRPS <= 0 {
		return cfg, errors.New("ENDPOINT_DEFAULT_RPS must be > 0")
	}
	if cfg.Delivery.BreakerThreshold < 1 {
		return cfg, errors.New("BREAKER_THRESHOLD must be >= 1")
	}
	if cfg.Delivery.BreakerCooldown <= 0 {
		return cfg, errors.New("BREAKER_COOLDOWN must be > 0")
	}
	if cfg.Delivery.MaxResponseBytes < 1 {
		return cfg, errors.New("MAX_RESPONSE_BYTES must be >= 1")
	}
	if cfg.Redis.URL != "" {
		if strings.TrimSpace(cfg.Redis.EventStream) == "" ||
			strings.TrimSpace(cfg.Redis.ConsumerGroup) == "" ||
			strings.TrimSpace(cfg.Redis.ConsumerName) == "" {
			return cfg, errors.New("REDIS_EVENT_STREAM, REDIS_CONSUMER_GROUP and REDIS_CONSUMER_NAME must be set when REDIS_URL is set")
		}
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
