// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the API
// server, the ingestion worker, and the external collaborators they share:
// blob storage, the vector index, the job queue, and the LLM provider.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pdf-chat-api")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects and configures the blob store holding uploaded PDFs.
type StorageConfig struct {
	Backend string // BLOB_BACKEND: disk|s3

	// disk
	Dir       string // BLOB_DIR
	PublicURL string // BLOB_PUBLIC_URL, base URL the worker downloads from

	// s3
	Bucket    string // S3_BUCKET
	Region    string // AWS_REGION
	AccessKey string // AWS_ACCESS_KEY_ID
	SecretKey string // AWS_SECRET_ACCESS_KEY
	Endpoint  string // S3_ENDPOINT, optional S3-compatible endpoint
}

// LLMConfig configures the embedding and generation provider.
type LLMConfig struct {
	APIKey          string  // GOOGLE_API_KEY
	EmbeddingModel  string  // EMBEDDING_MODEL
	GenerationModel string  // GENERATION_MODEL
	Temperature     float64 // GENERATION_TEMPERATURE
	MaxOutputTokens int     // GENERATION_MAX_TOKENS
}

// VectorConfig configures the shared vector index.
type VectorConfig struct {
	Backend     string // VECTOR_BACKEND: memory|pgvector
	DatabaseURL string // VECTOR_DATABASE_URL
	Dimensions  int    // VECTOR_DIMENSIONS
	TopK        int    // RETRIEVAL_TOP_K

	Candidates    int     // RETRIEVAL_CANDIDATES, fetched before re-ranking down to TopK
	LexicalWeight float64 // RETRIEVAL_LEXICAL_WEIGHT in [0..1]
}

// QueueConfig configures the ingestion job queue.
type QueueConfig struct {
	Backend  string // QUEUE_BACKEND: memory|redis
	RedisURL string // REDIS_URL
	Name     string // QUEUE_NAME

	// Lease is how long a consumer's reservations survive without a
	// heartbeat before peers requeue them.
	Lease time.Duration // QUEUE_LEASE
}

// IngestConfig tunes the ingestion worker.
type IngestConfig struct {
	Embedded        bool          // INGEST_EMBEDDED, run the pool inside the API process
	Concurrency     int           // WORKER_CONCURRENCY
	MaxAttempts     int           // WORKER_MAX_ATTEMPTS
	RetryBase       time.Duration // WORKER_RETRY_BASE
	DownloadTimeout time.Duration // WORKER_DOWNLOAD_TIMEOUT
	TempDir         string        // WORKER_TEMP_DIR, empty means os.TempDir()
	ChunkSize       int           // CHUNK_SIZE
	ChunkOverlap    int           // CHUNK_OVERLAP
	EmbedBatch      int           // EMBED_BATCH_SIZE
	HealthPort      string        // WORKER_HEALTH_PORT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 60s, generation is slow
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath         string // SQLite path
	MaxUploadBytes int64  // MAX_UPLOAD_BYTES
	HistoryTurns   int    // HISTORY_TURNS, messages of history fed to the prompt

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Collaborators
	Storage StorageConfig
	LLM     LLMConfig
	Vector  VectorConfig
	Queue   QueueConfig
	Ingest  IngestConfig

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
		ReadTimeout:       getdur("READ_TIMEOUT", 30*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:         getenv("DB_PATH", "app.db"),
		MaxUploadBytes: int64(getint("MAX_UPLOAD_BYTES", 10<<20)),
		HistoryTurns:   getint("HISTORY_TURNS", 6),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Storage: StorageConfig{
			Backend:   strings.ToLower(getenv("BLOB_BACKEND", "disk")),
			Dir:       getenv("BLOB_DIR", "blobs"),
			PublicURL: strings.TrimRight(getenv("BLOB_PUBLIC_URL", "http://localhost:8080/blobs"), "/"),
			Bucket:    getenv("S3_BUCKET", ""),
			Region:    getenv("AWS_REGION", "us-east-1"),
			AccessKey: getenv("AWS_ACCESS_KEY_ID", ""),
			SecretKey: getenv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:  getenv("S3_ENDPOINT", ""),
		},
		LLM: LLMConfig{
			APIKey:          getenv("GOOGLE_API_KEY", ""),
			EmbeddingModel:  getenv("EMBEDDING_MODEL", "gemini-embedding-001"),
			GenerationModel: getenv("GENERATION_MODEL", "gemini-2.5-flash"),
			Temperature:     getfloat("GENERATION_TEMPERATURE", 0.3),
			MaxOutputTokens: getint("GENERATION_MAX_TOKENS", 2048),
		},
		Vector: VectorConfig{
			Backend:     strings.ToLower(getenv("VECTOR_BACKEND", "memory")),
			DatabaseURL: getenv("VECTOR_DATABASE_URL", ""),
			Dimensions:  getint("VECTOR_DIMENSIONS", 3072),
			TopK:        getint("RETRIEVAL_TOP_K", 5),

			Candidates:    getint("RETRIEVAL_CANDIDATES", 10),
			LexicalWeight: getfloat("RETRIEVAL_LEXICAL_WEIGHT", 0.25),
		},
		Queue: QueueConfig{
			Backend:  strings.ToLower(getenv("QUEUE_BACKEND", "memory")),
			RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),
			Name:     getenv("QUEUE_NAME", "file-upload-queue"),
			Lease:    getdur("QUEUE_LEASE", 30*time.Second),
		},
		Ingest: IngestConfig{
			Embedded:        getbool("INGEST_EMBEDDED", true),
			Concurrency:     getint("WORKER_CONCURRENCY", 5),
			MaxAttempts:     getint("WORKER_MAX_ATTEMPTS", 3),
			RetryBase:       getdur("WORKER_RETRY_BASE", 5*time.Second),
			DownloadTimeout: getdur("WORKER_DOWNLOAD_TIMEOUT", 2*time.Minute),
			TempDir:         getenv("WORKER_TEMP_DIR", ""),
			ChunkSize:       getint("CHUNK_SIZE", 1000),
			ChunkOverlap:    getint("CHUNK_OVERLAP", 200),
			EmbedBatch:      getint("EMBED_BATCH_SIZE", 64),
			HealthPort:      getenv("WORKER_HEALTH_PORT", "10000"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "pdf-chat-backend"),
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
	if cfg.Vector.Backend == "postgres" || cfg.Vector.Backend == "pg" {
		cfg.Vector.Backend = "pgvector"
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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxUploadBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.HistoryTurns < 0 {
		return cfg, errors.New("HISTORY_TURNS must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if err := validateCollaborators(cfg); err != nil {
		return cfg, err
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func validateCollaborators(cfg Config) error {
	switch cfg.Storage.Backend {
	case "disk":
		if strings.TrimSpace(cfg.Storage.Dir) == "" {
			return errors.New("BLOB_DIR must not be empty for the disk backend")
		}
	case "s3":
		if strings.TrimSpace(cfg.Storage.Bucket) == "" {
			return errors.New("S3_BUCKET must be set for the s3 backend")
		}
	default:
		return errors.New("BLOB_BACKEND must be one of: disk, s3")
	}

	switch cfg.Vector.Backend {
	case "memory":
	case "pgvector":
		if strings.TrimSpace(cfg.Vector.DatabaseURL) == "" {
			return errors.New("VECTOR_DATABASE_URL must be set for the pgvector backend")
		}
	default:
		return errors.New("VECTOR_BACKEND must be one of: memory, pgvector")
	}
	if cfg.Vector.Dimensions <= 0 {
		return errors.New("VECTOR_DIMENSIONS must be > 0")
	}
	if cfg.Vector.TopK < 1 {
		return errors.New("RETRIEVAL_TOP_K must be >= 1")
	}
	if cfg.Vector.Candidates < cfg.Vector.TopK {
		return errors.New("RETRIEVAL_CANDIDATES must be >= RETRIEVAL_TOP_K")
	}
	if cfg.Vector.LexicalWeight < 0 || cfg.Vector.LexicalWeight > 1 {
		return errors.New("RETRIEVAL_LEXICAL_WEIGHT must be in [0,1]")
	}

	switch cfg.Queue.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Queue.RedisURL) == "" {
			return errors.New("REDIS_URL must be set for the redis backend")
		}
	default:
		return errors.New("QUEUE_BACKEND must be one of: memory, redis")
	}
	if strings.TrimSpace(cfg.Queue.Name) == "" {
		return errors.New("QUEUE_NAME must not be empty")
	}
	if cfg.Queue.Lease < time.Second {
		return errors.New("QUEUE_LEASE must be >= 1s")
	}
	// In-process backends cannot be shared with a separate worker process.
	if !cfg.Ingest.Embedded && (cfg.Queue.Backend == "memory" || cfg.Vector.Backend == "memory") {
		return errors.New("memory queue/vector backends require INGEST_EMBEDDED=true")
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return errors.New("GENERATION_TEMPERATURE must be in [0,2]")
	}
	if cfg.LLM.MaxOutputTokens <= 0 {
		return errors.New("GENERATION_MAX_TOKENS must be > 0")
	}

	in := cfg.Ingest
	if in.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if in.MaxAttempts < 1 {
		return errors.New("WORKER_MAX_ATTEMPTS must be >= 1")
	}
	if in.RetryBase < 0 || in.DownloadTimeout <= 0 {
		return errors.New("WORKER_RETRY_BASE must be >= 0 and WORKER_DOWNLOAD_TIMEOUT > 0")
	}
	if in.ChunkSize < 1 {
		return errors.New("CHUNK_SIZE must be >= 1")
	}
	if in.ChunkOverlap < 0 || in.ChunkOverlap >= in.ChunkSize {
		return errors.New("CHUNK_OVERLAP must be >= 0 and smaller than CHUNK_SIZE")
	}
	if in.EmbedBatch < 1 {
		return errors.New("EMBED_BATCH_SIZE must be >= 1")
	}
	return nil
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

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
