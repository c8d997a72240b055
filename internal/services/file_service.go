// Package services – FileService
//
// This file implements FileService, which owns uploaded PDFs from the moment
// they arrive until they are deleted. An upload is stored in the blob store,
// recorded as a PROCESSING file row and handed to the ingestion queue; the
// worker takes it from there. Deleting a file removes the blob, the file's
// chunks from the vector index and the row.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/blob"
	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/pdfdoc"
	"github.com/tbourn/go-pdf-chat/internal/queue"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

const pdfContentType = "application/pdf"

// Upload is one incoming file.
type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// FileService coordinates blob storage, file rows and ingestion jobs.
type FileService struct {
	DB    *gorm.DB
	Blobs blob.Store
	Index vectorindex.Index
	Queue queue.Queue

	// MaxUploadBytes rejects larger uploads; 0 disables the check.
	MaxUploadBytes int64

	// Now is the clock used for blob keys. Optional.
	Now func() time.Time
}

// Upload stores a PDF into chatID and enqueues it for ingestion. The
// returned file is PROCESSING. If the job cannot be enqueued the file is
// moved to ERROR right away so no client polls it forever.
func (s *FileService) Upload(ctx context.Context, userID, chatID string, up Upload) (*domain.File, error) {
	tr := otel.Tracer("services/FileService")
	ctx, span := tr.Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("user.id", userID),
			attribute.Int64("file.size", up.Size),
		),
	)
	defer span.End()

	if _, err := repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if up.Size <= 0 {
		return nil, ErrEmptyFile
	}
	if s.MaxUploadBytes > 0 && up.Size > s.MaxUploadBytes {
		return nil, ErrTooLarge
	}

	// Sniff the magic bytes; the declared content type is not trusted.
	head := make([]byte, 5)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if !pdfdoc.IsPDF(head[:n]) {
		return nil, ErrNotPDF
	}
	body := io.MultiReader(bytes.NewReader(head[:n]), up.Body)

	name := displayName(up.Filename)
	key := blob.Key(userID, chatID, name, s.now())
	obj, err := s.Blobs.Put(ctx, key, pdfContentType, body, up.Size)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	f, err := repo.CreateFile(ctx, s.DB, repo.NewFile{
		ChatID:   chatID,
		Filename: name,
		URL:      obj.URL,
		BlobKey:  obj.Key,
		Size:     up.Size,
		Status:   domain.FileProcessing,
	})
	if err != nil {
		if derr := s.Blobs.Delete(context.WithoutCancel(ctx), obj.Key); derr != nil {
			log.Warn().Err(derr).Str("key", obj.Key).Msg("upload: orphan blob not removed")
		}
		return nil, err
	}
	_ = repo.TouchChat(ctx, s.DB, chatID)

	job := queue.Job{FileID: f.ID, ChatID: chatID, URL: obj.URL}
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		if _, terr := repo.TransitionFile(context.WithoutCancel(ctx), s.DB, f.ID, domain.FileError, "could not queue file for processing"); terr != nil {
			log.Error().Err(terr).Str("file_id", f.ID).Msg("upload: could not fail file after enqueue error")
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	log.Info().
		Str("file_id", f.ID).
		Str("chat_id", chatID).
		Int64("size", up.Size).
		Msg("upload: file queued")
	return f, nil
}

// List returns a chat's files, newest first, with their ingestion status.
func (s *FileService) List(ctx context.Context, userID, chatID string) ([]domain.File, error) {
	tr := otel.Tracer("services/FileService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(attribute.String("chat.id", chatID), attribute.String("user.id", userID)),
	)
	defer span.End()

	if _, err := repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	files, err := repo.ListFiles(ctx, s.DB, chatID)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []domain.File{}
	}
	return files, nil
}

// Get returns a file whose chat is owned by userID.
func (s *FileService) Get(ctx context.Context, userID, fileID string) (*domain.File, error) {
	tr := otel.Tracer("services/FileService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("file.id", fileID), attribute.String("user.id", userID)),
	)
	defer span.End()

	f, err := repo.GetUserFile(ctx, s.DB, fileID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	return f, err
}

// Delete removes one file: its blob, its chunks and its row.
func (s *FileService) Delete(ctx context.Context, userID, chatID, fileID string) error {
	tr := otel.Tracer("services/FileService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("file.id", fileID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if _, err := repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		return err
	}
	f, err := repo.GetChatFile(ctx, s.DB, chatID, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return err
	}

	if f.BlobKey != "" {
		if err := s.Blobs.Delete(ctx, f.BlobKey); err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
	}
	scope, err := vectorindex.ForChat(chatID)
	if err != nil {
		return err
	}
	if _, err := s.Index.Delete(ctx, scope.File(fileID)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := repo.DeleteFileRow(ctx, s.DB, chatID, fileID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return err
	}
	_ = repo.TouchChat(ctx, s.DB, chatID)
	return nil
}

func (s *FileService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// displayName is the base name shown to users and cited as a source.
func displayName(filename string) string {
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	if r := []rune(name); len(r) > 255 {
		name = string(r[len(r)-255:])
	}
	return name
}
