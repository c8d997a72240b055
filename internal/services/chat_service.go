// Package services – ChatService
//
// This file implements the ChatService, which manages the lifecycle of chats.
// It normalizes names, enforces ownership rules, and coordinates repository
// operations for creating, listing (with pagination), renaming and deleting
// chats. Deleting a chat also destroys everything ingested into it: the
// uploaded blobs and the chat's chunks in the vector index.
//
// Service-level errors (e.g., ErrChatNotFound) are returned for predictable
// cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/blob"
	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

// DefaultChatName is used when a chat is created without a name.
const DefaultChatName = "New Chat"

// ChatRepo defines the repository contract required by ChatService.
// Implementations are responsible for persistence of chat aggregates.
type ChatRepo interface {
	// CreateChat inserts a new chat row for the given user.
	CreateChat(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error)

	// GetChat fetches a chat by ID ensuring it belongs to the user.
	GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error)

	// GetChatDetail fetches a chat with its files and messages.
	GetChatDetail(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error)

	// RenameChat updates a chat's name (only if it belongs to the user).
	RenameChat(ctx context.Context, db *gorm.DB, id, userID, name string) error

	// CountChats returns the total number of chats for pagination.
	CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListChatsPage returns a page of chats belonging to the user.
	ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error)

	// DeleteChatRows removes the chat with its files and messages.
	DeleteChatRows(ctx context.Context, db *gorm.DB, id, userID string) error
}

// ChatService provides chat-level operations. It enforces name rules,
// ownership constraints and the delete cascade into external stores.
type ChatService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the chat repository used by this service.
	Repo ChatRepo
	// Blobs holds the chats' uploaded PDFs.
	Blobs blob.Store
	// Index holds the chats' embedded chunks.
	Index vectorindex.Index

	// NameMaxLen caps stored names by rune length.
	NameMaxLen int
}

// NewChatService constructs a ChatService with default name handling.
func NewChatService(db *gorm.DB, r ChatRepo, blobs blob.Store, idx vectorindex.Index) *ChatService {
	return &ChatService{
		DB:         db,
		Repo:       r,
		Blobs:      blobs,
		Index:      idx,
		NameMaxLen: 255,
	}
}

// Create inserts a new chat owned by userID. Names are normalized, trimmed
// and clipped; a blank name becomes DefaultChatName.
func (s *ChatService) Create(ctx context.Context, userID, name string) (*domain.Chat, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Create", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	name = normalizeName(name)
	if name == "" {
		name = DefaultChatName
	}
	return s.Repo.CreateChat(ctx, s.DB, userID, s.clip(name))
}

// ListPage returns a page of chats for a user (paginated), newest first.
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ChatService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountChats(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}

	items, err := s.Repo.ListChatsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Get returns a chat with its files and messages.
func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("chat.id", chatID), attribute.String("user.id", userID)),
	)
	defer span.End()

	c, err := s.Repo.GetChatDetail(ctx, s.DB, chatID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	return c, err
}

// Rename changes a chat's name. Unlike Create, a blank name is rejected.
func (s *ChatService) Rename(ctx context.Context, userID, chatID, name string) (*domain.Chat, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Rename",
		trace.WithAttributes(attribute.String("chat.id", chatID), attribute.String("user.id", userID)),
	)
	defer span.End()

	name = normalizeName(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if err := s.Repo.RenameChat(ctx, s.DB, chatID, userID, s.clip(name)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	c, err := s.Repo.GetChat(ctx, s.DB, chatID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	return c, err
}

// Delete removes a chat and everything that belongs to it: the uploaded
// blobs, the chat's vector chunks, its messages, files and the chat row.
//
// External stores are cleared before the rows so a failure leaves the chat
// visible and the delete can simply be retried. The vector index is swept
// once more after the rows are gone to catch chunks written by an ingestion
// attempt that finished in between.
func (s *ChatService) Delete(ctx context.Context, userID, chatID string) error {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("chat.id", chatID), attribute.String("user.id", userID)),
	)
	defer span.End()

	if _, err := s.Repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		return err
	}
	files, err := repo.ListFiles(ctx, s.DB, chatID)
	if err != nil {
		return err
	}

	if s.Blobs != nil {
		for _, f := range files {
			if f.BlobKey == "" {
				continue
			}
			if err := s.Blobs.Delete(ctx, f.BlobKey); err != nil {
				return fmt.Errorf("delete blob %s: %w", f.ID, err)
			}
		}
	}

	scope, err := vectorindex.ForChat(chatID)
	if err != nil {
		return err
	}
	if s.Index != nil {
		if _, err := s.Index.Delete(ctx, scope); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
	}

	if err := s.Repo.DeleteChatRows(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		return err
	}

	if s.Index != nil {
		if n, err := s.Index.Delete(ctx, scope); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("chat delete: final chunk sweep failed")
		} else if n > 0 {
			log.Info().Int("deleted", n).Str("chat_id", chatID).Msg("chat delete: swept late chunks")
		}
	}
	log.Info().Str("chat_id", chatID).Int("files", len(files)).Msg("chat deleted")
	return nil
}

// clip truncates a chat name to the configured maximum rune length.
func (s *ChatService) clip(name string) string {
	if s.NameMaxLen > 0 && utf8.RuneCountInString(name) > s.NameMaxLen {
		return strings.TrimSpace(string([]rune(name)[:s.NameMaxLen]))
	}
	return name
}

// normalizeName composes Unicode (NFC), trims and collapses whitespace.
func normalizeName(s string) string {
	s = norm.NFC.String(s)
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
