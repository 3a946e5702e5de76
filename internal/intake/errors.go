package intake

import (
	"errors"
	"strings"
)

var (
	// ErrRateLimitExceeded means the client key has used up its window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInvalidFileType means the attachment name or extension was refused.
	ErrInvalidFileType = errors.New("invalid file type")
	// ErrFileTooLarge means the attachment payload exceeded the size limit.
	ErrFileTooLarge = errors.New("file too large")
)

// ValidationError carries every field-level violation of a submission.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// PersistenceError wraps a failure to save an otherwise valid report.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "save bug report: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
