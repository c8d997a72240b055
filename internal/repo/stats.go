// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer. File stats
// matter most: clients poll the file list every few seconds while
// ingestion runs, and an unchanged list answers 304.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/domain"
)

// Stats is a row count plus the newest timestamp among those rows.
// Latest is nil when Count is zero.
type Stats struct {
	Count  int64
	Latest *time.Time
}

// stats counts rows matched by q() and reads the greatest value of col.
// q builds a fresh statement per query so Count does not leak into Scan.
func stats(q func() *gorm.DB, col string) (Stats, error) {
	var s Stats
	if err := q().Count(&s.Count).Error; err != nil {
		return Stats{}, err
	}
	if s.Count == 0 {
		return s, nil
	}
	// Order+Limit rather than MAX(), which comes back as TEXT in SQLite.
	var row struct {
		UpdatedAt time.Time
		CreatedAt time.Time
	}
	if err := q().Select(col).Order(col + " DESC").Limit(1).Scan(&row).Error; err != nil {
		return Stats{}, err
	}
	at := row.UpdatedAt
	if col == "created_at" {
		at = row.CreatedAt
	}
	s.Latest = &at
	return s, nil
}

// ChatsStats aggregates a user's chats by updated_at.
func ChatsStats(ctx context.Context, db *gorm.DB, userID string) (Stats, error) {
	return stats(func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Chat{}).Where("user_id = ?", userID)
	}, "updated_at")
}

// FilesStats aggregates a chat's files by updated_at, which changes on every
// status transition.
func FilesStats(ctx context.Context, db *gorm.DB, chatID string) (Stats, error) {
	return stats(func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.File{}).Where("chat_id = ?", chatID)
	}, "updated_at")
}

// MessagesStats aggregates a chat's messages by created_at; messages are
// never updated.
func MessagesStats(ctx context.Context, db *gorm.DB, chatID string) (Stats, error) {
	return stats(func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Message{}).Where("chat_id = ?", chatID)
	}, "created_at")
}
