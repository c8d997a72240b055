package domain

import "time"

// Idempotency records the outcome of a previously processed request, keyed by
// (user_id, chat_id, scope, key). Scope names the operation ("message",
// "upload"), and ResourceID is the row it produced. A replayed upload returns
// the original File instead of storing a second blob and enqueueing a second
// ingestion job.
type Idempotency struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID     string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_chat_scope_key,priority:1"`
	ChatID     string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_chat_scope_key,priority:2"`
	Scope      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_chat_scope_key,priority:3"`
	Key        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_chat_scope_key,priority:4"`
	ResourceID string    `gorm:"type:TEXT NOT NULL"`
	Status     int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Idempotency scopes.
const (
	IdemScopeMessage = "message"
	IdemScopeUpload  = "upload"
)
