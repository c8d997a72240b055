// Command worker runs the ingestion pool as its own process. It needs the
// shared collaborators: the redis queue and the pgvector index. The in-memory
// backends only live inside the api process.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-pdf-chat/internal/app"
	"github.com/tbourn/go-pdf-chat/internal/config"
	"github.com/tbourn/go-pdf-chat/internal/observability"
	"github.com/tbourn/go-pdf-chat/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	version = sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	sysutil.InitLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, "worker")
	gin.SetMode(cfg.GinMode)

	if err := checkShared(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid worker configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, "worker", version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	health := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Ingest.HealthPort),
		Handler:           healthRouter(application),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	log.Info().
		Int("concurrency", cfg.Ingest.Concurrency).
		Str("queue", cfg.Queue.Name).
		Msg("worker started")

	if err := application.Pool().Run(ctx); err != nil {
		log.Error().Err(err).Msg("ingestion pool stopped")
	}
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(sctx)
}

// checkShared rejects process-local backends a separate worker cannot share
// with the api.
func checkShared(cfg config.Config) error {
	if cfg.Queue.Backend != "redis" {
		return errors.New("QUEUE_BACKEND must be redis for a standalone worker")
	}
	if cfg.Vector.Backend != "pgvector" {
		return errors.New("VECTOR_BACKEND must be pgvector for a standalone worker")
	}
	return nil
}

func healthRouter(a *app.App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "queue": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
