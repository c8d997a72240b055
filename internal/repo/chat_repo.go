// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
// Every chat lookup is scoped by owner, so a chat id belonging to another
// user behaves exactly like a missing one.
//
// Error semantics:
//   - When a chat is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateChat inserts a new Chat row owned by userID with the given name.
func CreateChat(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error) {
	now := time.Now().UTC()
	c := &domain.Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// CountChats returns the total number of chats owned by userID.
func CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListChatsPage returns a page of userID's chats, newest first. Each chat
// carries its files and its most recent message so a sidebar can render
// ingestion state and a preview without further requests.
func ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Preload("Files", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at desc") }).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i := range out {
		var last domain.Message
		res := db.WithContext(ctx).
			Where("chat_id = ?", out[i].ID).
			Order("created_at desc, id desc").
			Limit(1).
			Find(&last)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			out[i].Messages = []domain.Message{last}
		}
	}
	return out, nil
}

// GetChat fetches a single chat by its ID and owner.
func GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChatDetail fetches a chat with all of its files (newest first) and
// messages (oldest first).
func GetChatDetail(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Preload("Files", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at desc") }).
		Preload("Messages", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at asc, id asc") }).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RenameChat updates the name of a chat owned by userID. It returns
// ErrNotFound when no row matched.
func RenameChat(ctx context.Context, db *gorm.DB, id, userID, name string) error {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"name": name, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchChat bumps a chat's UpdatedAt so list ETags change when its files
// or messages do.
func TouchChat(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

// DeleteChatRows removes a chat's messages, files and the chat row itself in
// one transaction. External state (blobs, vector chunks) is the caller's
// responsibility and must be removed first.
func DeleteChatRows(ctx context.Context, db *gorm.DB, id, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c domain.Chat
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&c).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&domain.File{}).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
}
