// Package app builds the collaborators shared by the API server and the
// ingestion worker from configuration: the relational store, blob storage,
// the vector index, the job queue and the model client.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/blob"
	"github.com/tbourn/go-pdf-chat/internal/config"
	"github.com/tbourn/go-pdf-chat/internal/ingest"
	"github.com/tbourn/go-pdf-chat/internal/llm"
	"github.com/tbourn/go-pdf-chat/internal/pdfdoc"
	"github.com/tbourn/go-pdf-chat/internal/queue"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

// App owns every long-lived connection of a process.
type App struct {
	Cfg       config.Config
	DB        *gorm.DB
	Blobs     blob.Store
	Index     vectorindex.Index
	Queue     queue.Queue
	Embedder  llm.Embedder
	Generator llm.Generator

	closers []io.Closer
}

// New opens everything cfg describes. On failure whatever was already
// opened is closed again.
func New(ctx context.Context, cfg config.Config) (_ *App, err error) {
	a := &App{Cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.DB, err = OpenDB(cfg.DBPath); err != nil {
		return nil, err
	}
	if sqlDB, derr := a.DB.DB(); derr == nil {
		a.closers = append(a.closers, sqlDB)
	}
	if a.Blobs, err = OpenBlobs(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if a.Index, err = OpenIndex(ctx, cfg.Vector); err != nil {
		return nil, err
	}
	a.track(a.Index)
	if a.Queue, err = OpenQueue(ctx, cfg.Queue); err != nil {
		return nil, err
	}
	a.track(a.Queue)

	gem, err := llm.NewGemini(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.Embedder, a.Generator = gem, gem
	a.closers = append(a.closers, gem)

	log.Info().
		Str("blob_backend", cfg.Storage.Backend).
		Str("vector_backend", cfg.Vector.Backend).
		Str("queue_backend", cfg.Queue.Backend).
		Msg("collaborators ready")
	return a, nil
}

func (a *App) track(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenDB opens the SQLite database at path and migrates the schema.
func OpenDB(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := repo.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenBlobs selects the blob backend.
func OpenBlobs(ctx context.Context, c config.StorageConfig) (blob.Store, error) {
	switch c.Backend {
	case "disk":
		return blob.NewDiskStore(c.Dir, c.PublicURL)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Options{
			Bucket:    c.Bucket,
			Region:    c.Region,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			Endpoint:  c.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", c.Backend)
	}
}

// OpenIndex selects the vector index backend.
func OpenIndex(ctx context.Context, c config.VectorConfig) (vectorindex.Index, error) {
	switch c.Backend {
	case "memory":
		return vectorindex.NewMemory(c.Dimensions), nil
	case "pgvector":
		return vectorindex.OpenPGVector(ctx, c.DatabaseURL, c.Dimensions)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", c.Backend)
	}
}

// OpenQueue selects the job queue backend.
func OpenQueue(ctx context.Context, c config.QueueConfig) (queue.Queue, error) {
	switch c.Backend {
	case "memory":
		return queue.NewMemory(), nil
	case "redis":
		return queue.NewRedis(ctx, c.RedisURL, c.Name, c.Lease)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", c.Backend)
	}
}

// Processor builds the ingestion processor from cfg.Ingest.
func (a *App) Processor() *ingest.Processor {
	in := a.Cfg.Ingest
	return &ingest.Processor{
		DB:               a.DB,
		Index:            a.Index,
		Embedder:         a.Embedder,
		Client:           &http.Client{Timeout: in.DownloadTimeout},
		Splitter:         pdfdoc.Splitter{Size: in.ChunkSize, Overlap: in.ChunkOverlap},
		TempDir:          in.TempDir,
		EmbedBatch:       in.EmbedBatch,
		MaxDownloadBytes: a.Cfg.MaxUploadBytes,
	}
}

// Pool builds the worker pool around Processor.
func (a *App) Pool() *ingest.Pool {
	in := a.Cfg.Ingest
	proc := a.Processor()
	return &ingest.Pool{
		Queue:       a.Queue,
		Handler:     proc,
		Concurrency: in.Concurrency,
		MaxAttempts: in.MaxAttempts,
		RetryBase:   in.RetryBase,
		MaxBackoff:  10 * in.RetryBase,
		OnInvalid:   ingest.FailInvalid(proc),
		ReapEvery:   a.Cfg.Queue.Lease,
	}
}

// Ping checks the queue connection when the backend supports it.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.Queue.(interface{ Ping(ctx context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
