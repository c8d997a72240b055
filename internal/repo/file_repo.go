// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the File model,
// including the guarded status transitions used by the ingestion worker.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/domain"
)

// ErrTerminal is returned when a status write would move a file backwards,
// typically because it already reached DONE or ERROR.
var ErrTerminal = errors.New("file status is terminal")

// NewFile describes a file row to insert.
type NewFile struct {
	ID       string // optional; generated when empty
	ChatID   string
	Filename string
	URL      string
	BlobKey  string
	Size     int64
	Status   domain.FileStatus
}

// CreateFile inserts a file row. Status defaults to PROCESSING.
func CreateFile(ctx context.Context, db *gorm.DB, in NewFile) (*domain.File, error) {
	now := time.Now().UTC()
	f := &domain.File{
		ID:        in.ID,
		ChatID:    in.ChatID,
		Filename:  in.Filename,
		URL:       in.URL,
		BlobKey:   in.BlobKey,
		Size:      in.Size,
		Status:    in.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = domain.FileProcessing
	}
	if err := db.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// GetFile fetches a file by id regardless of owner. Used by the worker.
func GetFile(ctx context.Context, db *gorm.DB, id string) (*domain.File, error) {
	var f domain.File
	if err := db.WithContext(ctx).Where("id = ?", id).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// GetChatFile fetches a file that belongs to chatID.
func GetChatFile(ctx context.Context, db *gorm.DB, chatID, id string) (*domain.File, error) {
	var f domain.File
	err := db.WithContext(ctx).
		Where("id = ? AND chat_id = ?", id, chatID).
		First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetUserFile fetches a file whose chat is owned by userID.
func GetUserFile(ctx context.Context, db *gorm.DB, id, userID string) (*domain.File, error) {
	var f domain.File
	err := db.WithContext(ctx).
		Joins("JOIN chats ON chats.id = files.chat_id").
		Where("files.id = ? AND chats.user_id = ?", id, userID).
		First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles returns a chat's files, newest first.
func ListFiles(ctx context.Context, db *gorm.DB, chatID string) ([]domain.File, error) {
	var out []domain.File
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at desc, id desc").
		Find(&out).Error
	return out, err
}

// DeleteFileRow removes a single file row.
func DeleteFileRow(ctx context.Context, db *gorm.DB, chatID, id string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND chat_id = ?", id, chatID).
		Delete(&domain.File{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// allowedFrom lists every status from which a transition to `to` is legal.
func allowedFrom(to domain.FileStatus) []domain.FileStatus {
	all := []domain.FileStatus{domain.FilePending, domain.FileProcessing, domain.FileDone, domain.FileError}
	out := make([]domain.FileStatus, 0, len(all))
	for _, s := range all {
		if s.CanTransition(to) {
			out = append(out, s)
		}
	}
	return out
}

// TransitionFile moves a file to status `to` with a compare-and-set update
// that only matches rows whose current status may legally transition. A
// concurrent or late write can therefore never regress DONE/ERROR.
//
// errMsg is stored with ERROR and cleared otherwise. The returned file
// reflects the row after the attempt. ErrTerminal means the row exists but
// the transition was refused; ErrNotFound means no such file.
func TransitionFile(ctx context.Context, db *gorm.DB, id string, to domain.FileStatus, errMsg string) (*domain.File, error) {
	from := allowedFrom(to)
	if len(from) == 0 {
		return nil, ErrTerminal
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
		"error":      "",
	}
	if to == domain.FileError {
		updates["error"] = errMsg
	}
	res := db.WithContext(ctx).
		Model(&domain.File{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	f, err := GetFile(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return f, ErrTerminal
	}
	return f, nil
}

// BeginAttempt marks a file PROCESSING and counts the attempt. It refuses
// (ErrTerminal) once the file reached DONE or ERROR.
func BeginAttempt(ctx context.Context, db *gorm.DB, id string) (*domain.File, error) {
	res := db.WithContext(ctx).
		Model(&domain.File{}).
		Where("id = ? AND status IN ?", id, allowedFrom(domain.FileProcessing)).
		Updates(map[string]any{
			"status":     domain.FileProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	f, err := GetFile(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return f, ErrTerminal
	}
	return f, nil
}
