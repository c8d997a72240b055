// Package domain defines the persistence models for chats, uploaded files,
// and messages. These types are mapped with GORM and form the relational
// half of the document-chat backend; vector chunks live in the vector index.
package domain

import (
	"time"
)

// Chat is a conversation owned by a user. Files uploaded into a chat form
// its private document corpus; messages are the question/answer history.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the chat owner; indexed for listing.
//   - Name: display name, "New Chat" unless the user provides one.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//
// Deleting a chat removes its rows outright. There is no soft delete: the
// chat's blobs and vector chunks are destroyed with it.
type Chat struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_chats"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null;default:'New Chat'"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_user_chats"`
	UpdatedAt time.Time `json:"updated_at"`

	Files    []File    `json:"files,omitempty"    gorm:"foreignKey:ChatID"`
	Messages []Message `json:"messages,omitempty" gorm:"foreignKey:ChatID"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// FileStatus is the ingestion state of an uploaded file.
type FileStatus string

const (
	FilePending    FileStatus = "PENDING"
	FileProcessing FileStatus = "PROCESSING"
	FileDone       FileStatus = "DONE"
	FileError      FileStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed from s.
func (s FileStatus) Terminal() bool { return s == FileDone || s == FileError }

// Valid reports whether s is one of the known statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case FilePending, FileProcessing, FileDone, FileError:
		return true
	}
	return false
}

func (s FileStatus) rank() int {
	switch s {
	case FilePending:
		return 0
	case FileProcessing:
		return 1
	case FileDone, FileError:
		return 2
	}
	return -1
}

// CanTransition reports whether a file may move from s to next.
// Status only moves forward along PENDING -> PROCESSING -> {DONE|ERROR};
// rewriting the current status is allowed so retried writes stay idempotent.
func (s FileStatus) CanTransition(next FileStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// File is a PDF uploaded into a chat. It is created as PROCESSING at upload
// time and is moved to DONE or ERROR exactly once by the ingestion worker.
//
// Fields:
//   - URL / BlobKey: where the blob store keeps the bytes, and the opaque
//     key used to delete them.
//   - Attempts: number of ingestion attempts started for this file.
//   - Error: last ingestion error, set only with status ERROR.
type File struct {
	ID        string     `json:"id"         gorm:"type:char(36);primaryKey"`
	ChatID    string     `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_files,priority:1"`
	Filename  string     `json:"filename"   gorm:"type:varchar(255);not null"`
	URL       string     `json:"url"        gorm:"type:text;not null"`
	BlobKey   string     `json:"-"          gorm:"type:text;not null"`
	Size      int64      `json:"size"`
	Status    FileStatus `json:"status"     gorm:"type:varchar(16);not null;index;check:status IN ('PENDING','PROCESSING','DONE','ERROR')"`
	Attempts  int        `json:"attempts"   gorm:"not null;default:0"`
	Error     string     `json:"error,omitempty" gorm:"type:text"`
	CreatedAt time.Time  `json:"created_at" gorm:"index:idx_chat_files,priority:2"`
	UpdatedAt time.Time  `json:"updated_at"`

	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for File.
func (File) TableName() string { return "files" }

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Source is a retrieved chunk an assistant answer was grounded on.
type Source struct {
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Page     int     `json:"page"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// Message is a single utterance within a chat. Messages are append-only and
// ordered by creation time. Assistant messages carry the sources they used.
type Message struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ChatID    string    `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	Sources   []Source  `json:"sources,omitempty" gorm:"type:text;serializer:json"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_chat_msgs,priority:2"`

	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }
