package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "ledger.db")

	t.Setenv("DELIVERY_WORKERS", "8")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_BASE", "500ms")
	t.Setenv("BACKOFF_CAP", "30s")
	t.Setenv("ENDPOINT_DEFAULT_RPS", "x") // invalid -> default 10.0

	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8088" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.ReadTimeout != 2*time.Second || cfg.WriteTimeout != 3*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.GinMode != "release" {
		t.Errorf("GinMode = %q, want release", cfg.GinMode)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if !cfg.LogPretty {
		t.Errorf("LogPretty should parse 'yes' as true")
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "ledger.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Delivery.Workers != 8 {
		t.Errorf("Workers = %d", cfg.Delivery.Workers)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.BackoffBase != 500*time.Millisecond || cfg.Delivery.BackoffCap != 30*time.Second {
		t.Errorf("backoff = %v/%v", cfg.Delivery.BackoffBase, cfg.Delivery.BackoffCap)
	}
	if cfg.Delivery.DefaultRPS != 10.0 {
		t.Errorf("DefaultRPS = %v, want fallback 10.0", cfg.Delivery.DefaultRPS)
	}
	want := []string{"https://a.com", "http://b"}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.CORS.AllowedOrigins, want)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}
	if cfg.Delivery.Workers != 16 {
		t.Errorf("default Workers = %d, want 16", cfg.Delivery.Workers)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("default MaxAttempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.HTTPTimeout != 10*time.Second {
		t.Errorf("default HTTPTimeout = %v, want 10s", cfg.Delivery.HTTPTimeout)
	}
	if cfg.Delivery.BackoffBase != time.Second || cfg.Delivery.BackoffCap != 300*time.Second {
		t.Errorf("default backoff = %v/%v", cfg.Delivery.BackoffBase, cfg.Delivery.BackoffCap)
	}
	if cfg.Delivery.EndpointSlots != 4 {
		t.Errorf("default EndpointSlots = %d, want 4", cfg.Delivery.EndpointSlots)
	}
	if cfg.Delivery.MaxResponseBytes != 10<<10 {
		t.Errorf("default MaxResponseBytes = %d, want 10KiB", cfg.Delivery.MaxResponseBytes)
	}
	if cfg.Redis.EventStream != "events:ingested" {
		t.Errorf("default EventStream = %q", cfg.Redis.EventStream)
	}
}

// --- validation failures ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad driver", map[string]string{"DB_DRIVER": "oracle"}, "DB_DRIVER"},
		{"zero workers", map[string]string{"DELIVERY_WORKERS": "0"}, "DELIVERY_WORKERS"},
		{"cap below base", map[string]string{"BACKOFF_BASE": "10s", "BACKOFF_CAP": "1s"}, "BACKOFF_CAP"},
		{"zero attempts", map[string]string{"MAX_ATTEMPTS": "0"}, "MAX_ATTEMPTS"},
		{"bad sample ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
		{"redis without group", map[string]string{"REDIS_URL": "redis://x:6379", "REDIS_CONSUMER_GROUP": " "}, "REDIS_CONSUMER_GROUP"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
