package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/llm"
	"github.com/tbourn/go-pdf-chat/internal/pdfdoc"
	"github.com/tbourn/go-pdf-chat/internal/queue"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

const maxErrorLen = 500

// chunkNamespace seeds deterministic chunk ids so a re-delivered job
// overwrites its own chunks instead of duplicating them.
var chunkNamespace = uuid.MustParse("6f1c2f0e-3a57-4c1e-9d4f-2b8f0c7a9e11")

// ChunkID is the id of the index-th chunk of fileID.
func ChunkID(fileID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", fileID, index))).String()
}

// Processor runs ingestion attempts.
type Processor struct {
	DB       *gorm.DB
	Index    vectorindex.Index
	Embedder llm.Embedder
	Client   *http.Client
	Splitter pdfdoc.Splitter

	TempDir          string // "" means os.TempDir()
	EmbedBatch       int
	MaxDownloadBytes int64 // 0 disables the limit
}

// Result summarizes a finished attempt.
type Result struct {
	Pages   int
	Chunks  int
	Skipped bool // the file was already DONE or ERROR
}

// Process runs one attempt of job. On success the file is DONE. On a fatal
// error, or any error when final is set, the file is ERROR. Otherwise the
// file stays PROCESSING and the caller is expected to retry.
func (p *Processor) Process(ctx context.Context, job queue.Job, attempt int, final bool) (Result, error) {
	tr := otel.Tracer("ingest/Processor")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("file.id", job.FileID),
			attribute.String("chat.id", job.ChatID),
			attribute.Int("attempt", attempt),
		),
	)
	defer span.End()

	lg := log.With().
		Str("file_id", job.FileID).
		Str("chat_id", job.ChatID).
		Int("attempt", attempt).
		Logger()

	res, err := p.safeRun(ctx, job, lg)
	if err == nil {
		return res, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if IsFatal(err) || final {
		// An ERROR file must not leave searchable chunks behind.
		p.scrub(ctx, job, lg)
		p.markError(ctx, job, err, lg)
	} else {
		lg.Warn().Err(err).Msg("ingest: attempt failed, will retry")
	}
	return res, err
}

func (p *Processor) safeRun(ctx context.Context, job queue.Job, lg zerolog.Logger) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Msg("ingest: panic recovered")
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return p.run(ctx, job, lg)
}

func (p *Processor) run(ctx context.Context, job queue.Job, lg zerolog.Logger) (Result, error) {
	// 1. Mark PROCESSING and count the attempt.
	source := path.Base(job.URL)
	f, err := repo.BeginAttempt(ctx, p.DB, job.FileID)
	switch {
	case errors.Is(err, repo.ErrTerminal):
		lg.Info().Str("status", string(f.Status)).Msg("ingest: file already finalized, skipping")
		return Result{Skipped: true}, nil
	case errors.Is(err, repo.ErrNotFound):
		return Result{}, Fatal(ErrFileGone)
	case err != nil:
		lg.Warn().Err(err).Msg("ingest: could not mark file processing")
	default:
		if f.ChatID != job.ChatID {
			return Result{}, Fatal(ErrChatMismatch)
		}
		source = f.Filename
	}

	// 2. Download to a private temp file that is always removed.
	tmp, err := os.CreateTemp(p.TempDir, fmt.Sprintf("docuchat_%s_%d_*.pdf", safeName(job.FileID), time.Now().UnixNano()))
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		if rerr := os.Remove(tmp.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			lg.Warn().Err(rerr).Str("path", tmp.Name()).Msg("ingest: temp file cleanup failed")
		}
	}()

	size, err := p.download(ctx, job.URL, tmp)
	if err != nil {
		return Result{}, err
	}
	lg.Debug().Int64("bytes", size).Str("path", tmp.Name()).Msg("ingest: downloaded")

	// 3. Parse and split.
	pages, err := pdfdoc.Parse(tmp, size)
	if err != nil {
		return Result{}, Fatal(fmt.Errorf("parse: %w", err))
	}
	pieces := p.Splitter.Split(pages)
	if len(pieces) == 0 {
		return Result{}, Fatal(ErrNoChunks)
	}

	// 4. Tag every chunk with its chat and file.
	chunks := make([]vectorindex.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, pc := range pieces {
		chunks[i] = vectorindex.Chunk{
			ID:     ChunkID(job.FileID, pc.Index),
			ChatID: job.ChatID,
			FileID: job.FileID,
			Source: source,
			Page:   pc.Page,
			Text:   pc.Text,
		}
		texts[i] = pc.Text
	}

	// 5. Embed and upsert all chunks at once.
	vectors, err := p.embed(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	for i := range chunks {
		chunks[i].Vector = vectors[i]
	}
	if err := p.Index.Upsert(ctx, chunks); err != nil {
		p.scrub(ctx, job, lg)
		err = fmt.Errorf("index upsert: %w", err)
		if errors.Is(err, vectorindex.ErrInvalidChunk) {
			// Dimension or id mismatch; another attempt cannot fix it.
			return Result{}, Fatal(err)
		}
		return Result{}, err
	}
	chunksTotal.Add(float64(len(chunks)))

	// 6. Finalize.
	res := Result{Pages: len(pages), Chunks: len(chunks)}
	_, err = repo.TransitionFile(ctx, p.DB, job.FileID, domain.FileDone, "")
	switch {
	case err == nil:
		lg.Info().Int("pages", res.Pages).Int("chunks", res.Chunks).Msg("ingest: file done")
		return res, nil
	case errors.Is(err, repo.ErrNotFound):
		// Deleted while we worked; drop what we just wrote.
		p.scrub(ctx, job, lg)
		return res, Fatal(ErrFileGone)
	case errors.Is(err, repo.ErrTerminal):
		lg.Warn().Msg("ingest: file finalized concurrently, keeping existing status")
		return Result{Skipped: true}, nil
	default:
		return res, fmt.Errorf("mark done: %w", err)
	}
}

func (p *Processor) download(ctx context.Context, url string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, Fatal(fmt.Errorf("download request: %w", err))
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if p.MaxDownloadBytes > 0 {
		body = io.LimitReader(resp.Body, p.MaxDownloadBytes+1)
	}
	n, err := io.Copy(dst, body)
	if err != nil {
		return n, fmt.Errorf("download body: %w", err)
	}
	if p.MaxDownloadBytes > 0 && n > p.MaxDownloadBytes {
		return n, Fatal(ErrTooLarge)
	}
	return n, nil
}

func (p *Processor) embed(ctx context.Context, texts []string) ([][]float32, error) {
	size := p.EmbedBatch
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.Embedder.EmbedTexts(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// scrub removes any chunks of the job's file. It runs even when ctx is
// already cancelled.
func (p *Processor) scrub(ctx context.Context, job queue.Job, lg zerolog.Logger) {
	scope, err := vectorindex.ForChat(job.ChatID)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if n, err := p.Index.Delete(cctx, scope.File(job.FileID)); err != nil {
		lg.Error().Err(err).Msg("ingest: scrub partial chunks failed")
	} else if n > 0 {
		lg.Info().Int("deleted", n).Msg("ingest: scrubbed chunks")
	}
}

func (p *Processor) markError(ctx context.Context, job queue.Job, cause error, lg zerolog.Logger) {
	if errors.Is(cause, ErrFileGone) {
		return
	}
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := repo.TransitionFile(cctx, p.DB, job.FileID, domain.FileError, msg)
	switch {
	case err == nil:
		lg.Error().Err(cause).Msg("ingest: file failed")
	case errors.Is(err, repo.ErrTerminal):
		lg.Warn().Err(cause).Msg("ingest: file already finalized, error not recorded")
	default:
		lg.Error().Err(err).AnErr("cause", cause).Msg("ingest: could not mark file failed")
	}
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
