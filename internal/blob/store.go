// Package blob stores uploaded PDF bytes outside the relational database.
// A store hands back a durable URL the ingestion worker downloads from and
// an opaque key used to delete the object later.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"
)

// Object identifies a stored blob.
type Object struct {
	Key string
	URL string
}

// Store is the blob storage collaborator.
type Store interface {
	// Put stores body under key and returns its durable location.
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (Object, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key builds the object key for an upload:
// chats/<user>/<chat>/<unix millis>-<sanitized name>.
func Key(userID, chatID, filename string, now time.Time) string {
	return path.Join("chats", sanitize(userID), sanitize(chatID),
		fmt.Sprintf("%d-%s", now.UnixMilli(), sanitize(filename)))
}

// sanitize keeps letters, digits, dot, dash and underscore; everything else
// becomes '_'. Leading dots are dropped so a name can never climb directories.
func sanitize(s string) string {
	s = strings.TrimSpace(path.Base(strings.ReplaceAll(s, "\\", "/")))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)),
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 128 {
		out = out[len(out)-128:]
	}
	return out
}
