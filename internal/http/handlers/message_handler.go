// Message HTTP handlers.
//
// This file exposes REST endpoints for chat messages:
//   - POST /chats/{id}/messages   (ask a question, get a grounded answer)
//   - GET  /chats/{id}/messages   (list paginated messages for a chat)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, chat, key), the handler returns that recorded
// exchange and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/http/middleware"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a user message.
type PostMessageRequest struct {
	// Content is the user question. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"What was the revenue growth in Q3?"`
}

// PostMessageResponse carries the stored question, the assistant reply and
// the document passages the reply was grounded on.
type PostMessageResponse struct {
	UserMessage *domain.Message `json:"user_message,omitempty"`
	Message     *domain.Message `json:"message"`
	Docs        []domain.Source `json:"docs"`
}

// ListMessagesResponse contains a page of chat messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings, collapses blank-line runs and
// trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func docsOf(m *domain.Message) []domain.Source {
	if m == nil || m.Sources == nil {
		return []domain.Source{}
	}
	return m.Sources
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Ask a question about the chat's documents
// @Description Stores the question, retrieves passages from this chat's documents only and stores the generated answer with its sources.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID that owns the chat"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Chat ID (UUID)"              format(uuid)
// @Param       body             body    handlers.PostMessageRequest  true  "User message payload"
//
// @Success     200  {object}  handlers.PostMessageResponse  "Assistant reply"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse        "Chat not found"
// @Failure     502  {object}  handlers.ErrorResponse        "Answer generation failed"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /chats/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := h.opts.MaxPromptRunes
	if utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	uid := middleware.UserID(c)

	// Idempotency (replay path).
	idemKey, _ := middleware.GetIdempotencyKey(c)
	idem := repo.IdemKey{UserID: uid, ChatID: chatID, Scope: domain.IdemScopeMessage, Key: idemKey}
	if idemKey != "" && h.opts.DB != nil {
		if rec, err := repo.GetIdempotency(ctx, h.opts.DB, idem, time.Now().UTC()); err == nil {
			if prev, err := repo.GetMessage(ctx, h.opts.DB, rec.ResourceID); err == nil && prev.ChatID == chatID {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, PostMessageResponse{Message: prev, Docs: docsOf(prev)})
				return
			}
		}
	}

	ex, err := h.msgSvc.Answer(ctx, uid, chatID, content)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrChatNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
		case errors.Is(err, services.ErrTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		case errors.Is(err, services.ErrEmptyPrompt):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case errors.Is(err, services.ErrGeneration):
			fail(c, http.StatusBadGateway, ErrCodeAnswerFailed, "the answer could not be generated, please try again")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeAnswerFailed, err.Error())
		}
		return
	}

	// Idempotency (store path), best effort.
	if idemKey != "" && h.opts.DB != nil {
		if _, err := repo.CreateIdempotency(ctx, h.opts.DB, idem, ex.Assistant.ID, http.StatusOK, h.opts.IdempotencyTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Str("message_id", ex.Assistant.ID).Msg("idempotency record not stored")
		}
	}

	ok(c, http.StatusOK, PostMessageResponse{UserMessage: ex.User, Message: ex.Assistant, Docs: docsOf(ex.Assistant)})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a chat
// @Description Returns a paginated list of messages for the given chat, oldest first.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       id             path    string  true  "Chat ID (UUID)"  format(uuid)
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}
	uid := middleware.UserID(c)
	page, pageSize := clampPagination(c)

	if h.opts.DB != nil {
		if _, err := repo.GetChat(ctx, h.opts.DB, chatID, uid); err == nil {
			if st, err := repo.MessagesStats(ctx, h.opts.DB, chatID); err == nil {
				etag := weakETag("messages", fmt.Sprintf("%s:%d:%d", chatID, page, pageSize), st)
				if notModified(c, etag) {
					return
				}
			}
		}
	}

	items, total, err := h.msgSvc.ListPage(ctx, uid, chatID, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrChatNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, pageSize, total)})
}
