// Package vectorindex stores embedded chunks in one shared collection. Every
// read and delete is bounded by a Scope, which always names a chat.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnscoped is returned for a zero Scope or an empty chat id.
	ErrUnscoped = errors.New("vector index: query must be scoped to a chat")
	// ErrInvalidChunk is returned by Upsert when a chunk lacks its ids or has
	// the wrong dimension.
	ErrInvalidChunk = errors.New("vector index: invalid chunk")
)

// Chunk is one embedded piece of a file.
type Chunk struct {
	ID     string
	ChatID string
	FileID string
	Source string // original filename
	Page   int
	Text   string
	Vector []float32
}

// Match is a search hit. Score is cosine similarity, higher is closer.
type Match struct {
	Chunk
	Score float64
}

// Scope restricts an operation to one chat and optionally one file.
// The zero value is invalid.
type Scope struct {
	chatID string
	fileID string
}

// ForChat scopes to every chunk of chatID.
func ForChat(chatID string) (Scope, error) {
	if strings.TrimSpace(chatID) == "" {
		return Scope{}, ErrUnscoped
	}
	return Scope{chatID: chatID}, nil
}

// File narrows s to one file.
func (s Scope) File(fileID string) Scope {
	s.fileID = fileID
	return s
}

// ChatID is the chat every read and delete is confined to.
func (s Scope) ChatID() string { return s.chatID }

// FileID is the optional file narrowing; empty means the whole chat.
func (s Scope) FileID() string { return s.fileID }

// String renders the scope for logs.
func (s Scope) String() string {
	if s.fileID == "" {
		return "chat=" + s.chatID
	}
	return "chat=" + s.chatID + " file=" + s.fileID
}

func (s Scope) check() error {
	if s.chatID == "" {
		return ErrUnscoped
	}
	return nil
}

func (s Scope) contains(c Chunk) bool {
	return c.ChatID == s.chatID && (s.fileID == "" || c.FileID == s.fileID)
}

// Index is the vector index collaborator.
type Index interface {
	// Upsert writes all chunks or none of them.
	Upsert(ctx context.Context, chunks []Chunk) error
	// Search returns up to k chunks in scope, best first.
	Search(ctx context.Context, scope Scope, vector []float32, k int) ([]Match, error)
	// Delete removes every chunk in scope and reports how many went.
	Delete(ctx context.Context, scope Scope) (int, error)
	Count(ctx context.Context, scope Scope) (int, error)
}

func validate(chunks []Chunk, dims int) error {
	for i, c := range chunks {
		switch {
		case c.ID == "":
			return fmt.Errorf("%w: chunk %d has no id", ErrInvalidChunk, i)
		case c.ChatID == "" || c.FileID == "":
			return fmt.Errorf("%w: chunk %s missing chat or file id", ErrInvalidChunk, c.ID)
		case len(c.Vector) == 0:
			return fmt.Errorf("%w: chunk %s has no vector", ErrInvalidChunk, c.ID)
		case dims > 0 && len(c.Vector) != dims:
			return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", ErrInvalidChunk, c.ID, len(c.Vector), dims)
		}
	}
	return nil
}
