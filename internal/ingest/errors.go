// Package ingest turns an uploaded PDF into embedded, chat-scoped chunks.
//
// A Processor runs one attempt of one job: mark the file PROCESSING, download
// the blob to a temp file, parse and split it, embed the pieces and upsert
// them into the vector index, then finalize the file status. A Pool feeds
// jobs from the queue to the Processor and decides between retry and
// dead-letter.
package ingest

import "errors"

// fatalError marks failures that retrying cannot fix (bad input, corrupt
// PDF, file gone). Everything else is treated as transient.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so IsFatal reports true. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return err
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, was marked Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

var (
	// ErrFileGone is returned when the file row was deleted before or while
	// the job ran.
	ErrFileGone = errors.New("file no longer exists")
	// ErrChatMismatch is returned when the job's chat does not own the file.
	ErrChatMismatch = errors.New("job chat does not own file")
	// ErrTooLarge is returned when the download exceeds the size limit.
	ErrTooLarge = errors.New("download exceeds size limit")
	// ErrNoChunks is returned when splitting yields nothing to embed.
	ErrNoChunks = errors.New("document produced no chunks")
)
