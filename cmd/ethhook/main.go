// Command ethhook runs the webhook delivery service: it bootstraps the
// subscription index from the ledger, recovers unfinished events, consumes
// decoded chain events from Redis, delivers signed webhooks, and serves
// the read-only dashboard API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ipcasj/ethhook/internal/config"
	httpapi "github.com/ipcasj/ethhook/internal/http"
	"github.com/ipcasj/ethhook/internal/ingest"
	"github.com/ipcasj/ethhook/internal/observability"
	"github.com/ipcasj/ethhook/internal/pipeline"
	"github.com/ipcasj/ethhook/internal/repo"
	"github.com/ipcasj/ethhook/internal/subindex"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	// Optional .env for local development; real deployments use the
	// process environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogger(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, observability.TracingConfig{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		Insecure:    cfg.OTEL.Insecure,
		ServiceName: cfg.OTEL.ServiceName,
		SampleRatio: cfg.OTEL.SampleRatio,
	}, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.Open(cfg.Database, cfg.OTEL.Enabled)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("ledger migration failed")
	}

	// Bootstrap the subscription index before anything can match.
	idx := subindex.New()
	endpoints, err := repo.ListActiveEndpoints(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("endpoint bootstrap failed")
	}
	idx.Rebuild(endpoints)
	log.Info().Int("endpoints", idx.Len()).Msg("subscription index ready")

	pipe := pipeline.New(cfg.Delivery, log.Logger, db, idx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipe.Run(ctx)
	}()

	// Re-enqueue events the previous run left pending.
	if err := pipe.Recover(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("recovery incomplete")
	}

	// Redis consumers are optional: without REDIS_URL the service still
	// serves the dashboard and recovers ledger state, which is the useful
	// mode for local inspection.
	if cfg.Redis.URL != "" {
		rdb, err := ingest.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect failed")
		}
		defer rdb.Close()

		consumer := ingest.NewStreamConsumer(rdb, cfg.Redis, log.Logger, pipe.Ingest)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("stream consumer stopped")
			}
		}()

		listener := ingest.NewEndpointChangeListener(rdb, cfg.Redis.ChangeChannel, db, idx, log.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("change listener stopped")
			}
		}()
	} else {
		log.Warn().Msg("REDIS_URL not set, running without stream ingestion")
	}

	router := gin.New()
	httpapi.RegisterRoutes(router, db, httpapi.Readiness{Index: idx}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	// Pipeline drains in-flight attempts and flushes ledger writes once
	// ctx is canceled; wait for it and the consumers.
	wg.Wait()
	log.Info().Msg("bye")
}

// setupLogger applies the configured level and output format to the global
// zerolog logger.
func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
