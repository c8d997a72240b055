// File HTTP handlers.
//
// This file exposes REST endpoints for the PDFs attached to a chat:
//   - POST   /chats/{id}/files            (multipart upload, field "pdf")
//   - GET    /chats/{id}/files            (list with ingestion status, ETag)
//   - DELETE /chats/{id}/files/{fileId}   (remove one document)
//   - GET    /files/{fileId}/download     (redirect to the stored object)
//
// Uploads return as soon as the document is stored and queued; clients poll
// the list until the status leaves PROCESSING.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/http/middleware"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/services"
)

// UploadField is the multipart form field carrying the document.
const UploadField = "pdf"

// ListFilesResponse wraps a chat's files.
type ListFilesResponse struct {
	Files []domain.File `json:"files"`
}

// UploadFile godoc
// @ID          uploadFile
// @Summary     Upload a PDF into a chat
// @Description Stores the document and queues it for ingestion. The returned file is PROCESSING.
// @Description Supports idempotency via the Idempotency-Key header (same key → same file).
// @Tags        Files
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       X-User-ID        header    string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header    string  false "Idempotency key for safe retries"
// @Param       id               path      string  true  "Chat ID (UUID)"  format(uuid)
// @Param       pdf              formData  file    true  "PDF document"
//
// @Success     201  {object} domain.File
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     413  {object} handlers.ErrorResponse "File too large"
// @Failure     415  {object} handlers.ErrorResponse "Not a PDF"
// @Failure     503  {object} handlers.ErrorResponse "Ingestion queue unavailable"
// @Router      /chats/{id}/files [post]
func (h *Handlers) UploadFile(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}
	uid := middleware.UserID(c)

	idemKey, _ := middleware.GetIdempotencyKey(c)
	idem := repo.IdemKey{UserID: uid, ChatID: chatID, Scope: domain.IdemScopeUpload, Key: idemKey}
	if idemKey != "" && h.opts.DB != nil {
		if rec, err := repo.GetIdempotency(ctx, h.opts.DB, idem, time.Now().UTC()); err == nil {
			if prev, err := repo.GetChatFile(ctx, h.opts.DB, chatID, rec.ResourceID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusCreated, prev)
				return
			}
		}
	}

	fh, err := c.FormFile(UploadField)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, services.ErrTooLarge.Error())
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, `multipart field "pdf" is required`)
		return
	}
	body, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable upload")
		return
	}
	defer body.Close()

	f, err := h.fileSvc.Upload(ctx, uid, chatID, services.Upload{Filename: fh.Filename, Size: fh.Size, Body: body})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrChatNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
		case errors.Is(err, services.ErrNotPDF):
			fail(c, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMedia, err.Error())
		case errors.Is(err, services.ErrTooLarge):
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, err.Error())
		case errors.Is(err, services.ErrEmptyFile):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrEnqueue):
			fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "document stored but could not be queued for processing")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeUploadFailed, err.Error())
		}
		return
	}

	if idemKey != "" && h.opts.DB != nil {
		if _, err := repo.CreateIdempotency(ctx, h.opts.DB, idem, f.ID, http.StatusCreated, h.opts.IdempotencyTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Str("file_id", f.ID).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusCreated, f)
}

// ListFiles godoc
// @ID          listFiles
// @Summary     List a chat's files
// @Description Returns the chat's files newest first with their ingestion status. Supports weak ETag via If-None-Match.
// @Tags        Files
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       id             path    string  true  "Chat ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.ListFilesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/files [get]
func (h *Handlers) ListFiles(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}
	uid := middleware.UserID(c)

	// Ownership first: the ETag must not reveal another user's chat.
	if h.opts.DB != nil {
		if _, err := repo.GetChat(ctx, h.opts.DB, chatID, uid); err == nil {
			if st, err := repo.FilesStats(ctx, h.opts.DB, chatID); err == nil && notModified(c, weakETag("files", chatID, st)) {
				return
			}
		}
	}

	files, err := h.fileSvc.List(ctx, uid, chatID)
	if err != nil {
		if errors.Is(err, services.ErrChatNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListFilesResponse{Files: files})
}

// DeleteFile godoc
// @ID          deleteFile
// @Summary     Delete a file
// @Description Removes the stored document, its indexed chunks and the file row. Other files of the chat are untouched.
// @Tags        Files
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Chat ID (UUID)"  format(uuid)
// @Param       fileId     path    string  true  "File ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.DeleteResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat or file not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/files/{fileId} [delete]
func (h *Handlers) DeleteFile(c *gin.Context) {
	chatID, valid := pathUUID(c, "id")
	if !valid {
		return
	}
	fileID, valid := pathUUID(c, "fileId")
	if !valid {
		return
	}

	err := h.fileSvc.Delete(c.Request.Context(), middleware.UserID(c), chatID, fileID)
	switch {
	case err == nil:
		ok(c, http.StatusOK, DeleteResponse{Success: true, Message: "file deleted"})
	case errors.Is(err, services.ErrChatNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
	case errors.Is(err, services.ErrFileNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "file not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeDeleteFailed, err.Error())
	}
}

// DownloadFile godoc
// @ID          downloadFile
// @Summary     Download a file
// @Description Redirects to the stored document.
// @Tags        Files
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       fileId     path    string  true  "File ID (UUID)"  format(uuid)
//
// @Success     302  {string} string "Found"
// @Header      302  {string} Location "Document URL"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "File not found"
// @Router      /files/{fileId}/download [get]
func (h *Handlers) DownloadFile(c *gin.Context) {
	fileID, valid := pathUUID(c, "fileId")
	if !valid {
		return
	}
	f, err := h.fileSvc.Get(c.Request.Context(), middleware.UserID(c), fileID)
	if err != nil {
		if errors.Is(err, services.ErrFileNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "file not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.Redirect(http.StatusFound, f.URL)
}
