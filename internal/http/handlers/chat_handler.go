// Chat HTTP handlers.
//
// This file exposes REST endpoints for chat resources:
//   - POST   /chats        (create)
//   - GET    /chats        (list, paginated, ETag support)
//   - GET    /chats/{id}   (detail with files and messages)
//   - PATCH  /chats/{id}   (rename)
//   - DELETE /chats/{id}   (cascade delete)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/http/middleware"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/services"
	"github.com/tbourn/go-pdf-chat/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService defines chat lifecycle operations consumed by HTTP handlers.
type ChatService interface {
	Create(ctx context.Context, userID, name string) (*domain.Chat, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error)
	Get(ctx context.Context, userID, chatID string) (*domain.Chat, error)
	Rename(ctx context.Context, userID, chatID, name string) (*domain.Chat, error)
	Delete(ctx context.Context, userID, chatID string) error
}

// FileService defines upload and file management operations.
type FileService interface {
	Upload(ctx context.Context, userID, chatID string, up services.Upload) (*domain.File, error)
	List(ctx context.Context, userID, chatID string) ([]domain.File, error)
	Get(ctx context.Context, userID, fileID string) (*domain.File, error)
	Delete(ctx context.Context, userID, chatID, fileID string) error
}

// MessageService defines message retrieval and generation operations.
type MessageService interface {
	// Answer stores the question and the assistant reply for a chat.
	Answer(ctx context.Context, userID, chatID, prompt string) (*services.Exchange, error)
	// ListPage returns a page of messages within a chat and the total count.
	ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error)
}

//
// Handler wiring
//

// Options carries the optional collaborators of Handlers.
type Options struct {
	// DB enables ETags and idempotent replays. Both are skipped when nil.
	DB *gorm.DB
	// IdempotencyTTL is how long a recorded result can be replayed (default 24h).
	IdempotencyTTL time.Duration
	// MaxPromptRunes rejects longer questions at the edge (default 4000).
	MaxPromptRunes int
}

// Handlers groups HTTP endpoints for chats, files and messages.
type Handlers struct {
	chatSvc ChatService
	fileSvc FileService
	msgSvc  MessageService
	opts    Options
}

// New constructs and returns a Handlers instance bound to the given services.
func New(chatSvc ChatService, fileSvc FileService, msgSvc MessageService, opts Options) *Handlers {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.MaxPromptRunes <= 0 {
		opts.MaxPromptRunes = 4000
	}
	return &Handlers{chatSvc: chatSvc, fileSvc: fileSvc, msgSvc: msgSvc, opts: opts}
}

//
// DTOs
//

// CreateChatRequest is the JSON payload for creating a chat.
type CreateChatRequest struct {
	// Name optionally sets the chat name; "New Chat" is used when empty.
	Name string `json:"name" example:"Q3 board pack"`
}

// RenameChatRequest is the JSON payload for renaming a chat.
type RenameChatRequest struct {
	Name string `json:"name" binding:"required,min=1,max=255" example:"Q3 board pack (final)"`
}

// RenameChatResponse echoes the stored name.
type RenameChatResponse struct {
	ID   string `json:"id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Name string `json:"name" example:"Q3 board pack (final)"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListChatsResponse wraps a page of chats and pagination information.
type ListChatsResponse struct {
	Chats      []domain.Chat `json:"chats"`
	Pagination Pagination    `json:"pagination"`
}

//
// Helpers
//

func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(c.Query("page"), c.Query("page_size"))
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// pathUUID reads a UUID path parameter, answering 400 when malformed.
func pathUUID(c *gin.Context, name string) (string, bool) {
	v := c.Param(name)
	if _, err := uuid.Parse(v); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a UUID")
		return "", false
	}
	return v, true
}

//
// Handlers
//

// CreateChat godoc
// @ID          createChat
// @Summary     Create a new chat
// @Description Creates a chat for the current user. The body is optional; the name defaults to "New Chat".
// @Tags        Chats
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.CreateChatRequest  false  "Create chat payload"
//
// @Success     201  {object}  domain.Chat
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	ch, err := h.chatSvc.Create(c.Request.Context(), middleware.UserID(c), strings.TrimSpace(req.Name))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, ch)
}

// ListChats godoc
// @ID          listChats
// @Summary     List chats (paginated)
// @Description Returns a page of the user's chats, most recently active first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Chats
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListChatsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)
	page, pageSize := clampPagination(c)

	if h.opts.DB != nil {
		if st, err := repo.ChatsStats(ctx, h.opts.DB, uid); err == nil {
			if notModified(c, weakETag("chats", uid, st)) {
				return
			}
		}
	}

	items, total, err := h.chatSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListChatsResponse{Chats: items, Pagination: newPagination(page, pageSize, total)})
}

// GetChat godoc
// @ID          getChat
// @Summary     Get a chat
// @Description Returns the chat with its files (newest first) and messages (oldest first).
// @Tags        Chats
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Chat ID (UUID)"         format(uuid)
//
// @Success     200  {object} domain.Chat
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id} [get]
func (h *Handlers) GetChat(c *gin.Context) {
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}
	ch, err := h.chatSvc.Get(c.Request.Context(), middleware.UserID(c), chatID)
	if err != nil {
		if errors.Is(err, services.ErrChatNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, ch)
}

// RenameChat godoc
// @ID          renameChat
// @Summary     Rename a chat
// @Description Updates the name of a chat owned by the current user.
// @Tags        Chats
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Chat ID (UUID)"         format(uuid) example(141add05-4415-4938-b5a1-17e0d3171aff)
// @Param       body       body    handlers.RenameChatRequest  true  "New name"
//
// @Success     200  {object} handlers.RenameChatResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id} [patch]
func (h *Handlers) RenameChat(c *gin.Context) {
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}

	var req RenameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required (1-255 chars)")
		return
	}

	ch, err := h.chatSvc.Rename(c.Request.Context(), middleware.UserID(c), chatID, req.Name)
	switch {
	case err == nil:
		ok(c, http.StatusOK, RenameChatResponse{ID: ch.ID, Name: ch.Name})
	case errors.Is(err, services.ErrEmptyName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required (1-255 chars)")
	case errors.Is(err, services.ErrChatNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// DeleteChat godoc
// @ID          deleteChat
// @Summary     Delete a chat
// @Description Deletes the chat with its files, stored documents, indexed chunks and messages.
// @Tags        Chats
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Chat ID (UUID)"         format(uuid)
//
// @Success     200  {object} handlers.DeleteResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id} [delete]
func (h *Handlers) DeleteChat(c *gin.Context) {
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}
	err := h.chatSvc.Delete(c.Request.Context(), middleware.UserID(c), chatID)
	switch {
	case err == nil:
		ok(c, http.StatusOK, DeleteResponse{Success: true, Message: "chat deleted"})
	case errors.Is(err, services.ErrChatNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeDeleteFailed, err.Error())
	}
}
