// Package httpapi wires the HTTP transport (Gin) to the ledger store,
// middleware, and route handlers. It centralizes cross-cutting concerns
// such as tracing, correlation IDs, logging, panic recovery, metrics and
// CORS.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/http/handlers"
	"github.com/ipcasj/ethhook/internal/http/middleware"
	"github.com/ipcasj/ethhook/internal/subindex"
)

// Readiness is the subset of pipeline state the readiness probe inspects.
type Readiness struct {
	Index *subindex.Index
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine: observability (tracing, metrics), CORS, health and metrics
// endpoints, and the versioned read-only dashboard API under /api/v1.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything (when enabled)
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Metrics
//  6. CORS
func RegisterRoutes(r *gin.Engine, db *gorm.DB, ready Readiness, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 6) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness: process is up.
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Readiness: the subscription index has been bootstrapped, so matching
	// can produce results rather than parking every event.
	r.GET("/readyz", func(c *gin.Context) {
		if ready.Index == nil || !ready.Index.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "index not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "endpoints": ready.Index.Len()})
	})

	store := handlers.LedgerStore{DB: db}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/events", handlers.ListEvents(store))
		v1.GET("/events/:id", handlers.GetEvent(store))
		v1.GET("/events/:id/attempts", handlers.ListEventAttempts(store))
	}
}
