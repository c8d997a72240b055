// Command api serves the chat, file and message HTTP API. With
// INGEST_EMBEDDED=true (the default) it also runs the ingestion workers
// in-process, which is all a single-node deployment needs.
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
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-pdf-chat/internal/app"
	"github.com/tbourn/go-pdf-chat/internal/config"
	httpapi "github.com/tbourn/go-pdf-chat/internal/http"
	"github.com/tbourn/go-pdf-chat/internal/observability"
	"github.com/tbourn/go-pdf-chat/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	version = sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	sysutil.InitLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, "api")
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, "api", version)
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

	workersDone := make(chan struct{})
	if cfg.Ingest.Embedded {
		go func() {
			defer close(workersDone)
			if err := application.Pool().Run(ctx); err != nil {
				log.Error().Err(err).Msg("ingestion workers stopped")
			}
		}()
		log.Info().Int("concurrency", cfg.Ingest.Concurrency).Msg("ingestion workers started in-process")
	} else {
		close(workersDone)
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        application.DB,
		Blobs:     application.Blobs,
		Index:     application.Index,
		Queue:     application.Queue,
		Embedder:  application.Embedder,
		Generator: application.Generator,
	}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	<-workersDone
}
