// Package services defines the business logic for chats, uploaded files and
// messages. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Chat-related errors.
var (
	// ErrChatNotFound indicates that the requested chat does not exist or is not
	// accessible to the current user.
	ErrChatNotFound = errors.New("chat not found")

	// ErrEmptyName is returned when a rename request carries a blank name.
	ErrEmptyName = errors.New("name is required")
)

// File-related errors.
var (
	// ErrFileNotFound indicates that the requested file does not exist or
	// belongs to a chat the current user does not own.
	ErrFileNotFound = errors.New("file not found")

	// ErrNotPDF is returned when an upload is not a PDF document.
	ErrNotPDF = errors.New("only PDF files are accepted")

	// ErrTooLarge is returned when an upload exceeds the configured size limit.
	ErrTooLarge = errors.New("file too large")

	// ErrEmptyFile is returned when an upload has no content.
	ErrEmptyFile = errors.New("file is empty")

	// ErrEnqueue is returned when an upload was stored but its ingestion job
	// could not be queued. The file has been marked ERROR.
	ErrEnqueue = errors.New("enqueue ingestion")
)

// Message-related errors.
var (
	// ErrEmptyPrompt is returned when a request to create a message contains
	// an empty prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrTooLong is returned when a request to create a message exceeds the
	// maximum configured length limit.
	ErrTooLong = errors.New("prompt too long")

	// ErrGeneration is returned when the language model could not produce an
	// answer. The user message has already been stored at that point.
	ErrGeneration = errors.New("answer generation failed")
)
