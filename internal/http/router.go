// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, caller identity, logging/redaction, panic
// recovery, metrics, CORS, security headers, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/docs"
	"github.com/tbourn/go-pdf-chat/internal/blob"
	"github.com/tbourn/go-pdf-chat/internal/config"
	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/http/handlers"
	"github.com/tbourn/go-pdf-chat/internal/http/middleware"
	"github.com/tbourn/go-pdf-chat/internal/llm"
	"github.com/tbourn/go-pdf-chat/internal/queue"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/search"
	"github.com/tbourn/go-pdf-chat/internal/services"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

// multipartOverhead is added to MaxUploadBytes for the upload route so an
// oversized file is rejected by the service with a clear message rather than
// by a truncated multipart stream.
const multipartOverhead = 1 << 20

// Deps are the collaborators the routes are built from.
type Deps struct {
	DB        *gorm.DB
	Blobs     blob.Store
	Index     vectorindex.Index
	Queue     queue.Queue
	Embedder  llm.Embedder
	Generator llm.Generator
}

// chatRepoShim adapts the repository free functions to the services.ChatRepo
// interface expected by the ChatService.
type chatRepoShim struct{}

func (chatRepoShim) CreateChat(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, userID, name)
}

func (chatRepoShim) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id, userID)
}

func (chatRepoShim) GetChatDetail(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChatDetail(ctx, db, id, userID)
}

func (chatRepoShim) RenameChat(ctx context.Context, db *gorm.DB, id, userID, name string) error {
	return repo.RenameChat(ctx, db, id, userID, name)
}

func (chatRepoShim) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}

func (chatRepoShim) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

func (chatRepoShim) DeleteChatRows(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChatRows(ctx, db, id, userID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: resolve the caller once for every later stage
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter (larger on the upload route)
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP, questions and uploads cost more)
//  10. CORS, security headers and compression
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	apiBase := strings.TrimRight(cfg.APIBasePath, "/")
	uploadRoute := apiBase + "/chats/:id/files"
	messageRoute := apiBase + "/chats/:id/messages"

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		SkipPaths:   []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	r.Use(limitBody(1<<20, map[string]int64{uploadRoute: maxUpload + multipartOverhead}))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, userID, chatID, key string, now time.Time) (bool, error) {
			return repo.HasIdempotency(ctx, d.DB, userID, chatID, key, now)
		},
	))

	burst := cfg.RateBurst
	rl := middleware.NewRateLimiter(cfg.RateRPS, burst, middleware.KeyByUserOrIP()).
		Cost(http.MethodPost, messageRoute, max(1, burst/2)).
		Cost(http.MethodPost, uploadRoute, max(1, burst/2))
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
		NoStoreSkip:  []string{"/blobs", "/swagger"},
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/blobs"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", healthHandler(d.DB))

	// The disk backend's public URL points back at this server.
	if disk, ok := d.Blobs.(*blob.DiskStore); ok {
		r.Static("/blobs", disk.Dir)
	}

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = apiBase
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/index/queue/models
	chatSvc := services.NewChatService(d.DB, chatRepoShim{}, d.Blobs, d.Index)
	fileSvc := &services.FileService{
		DB:             d.DB,
		Blobs:          d.Blobs,
		Index:          d.Index,
		Queue:          d.Queue,
		MaxUploadBytes: maxUpload,
	}
	msgSvc := &services.MessageService{
		DB:             d.DB,
		Index:          d.Index,
		Embedder:       d.Embedder,
		Generator:      d.Generator,
		Reranker:       search.NewReranker(search.WithWeight(cfg.Vector.LexicalWeight)),
		TopK:           cfg.Vector.TopK,
		Candidates:     cfg.Vector.Candidates,
		HistoryTurns:   cfg.HistoryTurns,
		MaxPromptRunes: 4000,
		TitleMaxLen:    60,
		TitleLocale:    language.English,
	}
	h := handlers.New(chatSvc, fileSvc, msgSvc, handlers.Options{
		DB:             d.DB,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MaxPromptRunes: msgSvc.MaxPromptRunes,
	})

	api := groupWithPrefix(r, apiBase)
	{
		// Chats
		api.POST("/chats", h.CreateChat)
		api.GET("/chats", h.ListChats)
		api.GET("/chats/:id", h.GetChat)
		api.PATCH("/chats/:id", h.RenameChat)
		api.DELETE("/chats/:id", h.DeleteChat)

		// Files
		api.POST("/chats/:id/files", h.UploadFile)
		api.GET("/chats/:id/files", h.ListFiles)
		api.DELETE("/chats/:id/files/:fileId", h.DeleteFile)
		api.GET("/files/:fileId/download", h.DownloadFile)

		// Messages
		api.GET("/chats/:id/messages", h.ListMessages)
		api.POST("/chats/:id/messages", h.PostMessage)
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the allowlist.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// Force ACAO: * even for requests without an Origin header.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	base.AllowOrigins = origins
	return []gin.HandlerFunc{cors.New(base)}
}

// healthHandler reports ok when the database answers a ping.
func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
				defer cancel()
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// limitBody caps request bodies at maxBytes, or at the per-route value for
// routes listed in perRoute (keyed by gin's full path). Reads past the cap
// fail with *http.MaxBytesError.
func limitBody(maxBytes int64, perRoute map[string]int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := maxBytes
		if n, ok := perRoute[c.FullPath()]; ok {
			limit = n
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
