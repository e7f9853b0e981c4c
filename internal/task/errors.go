package task

import (
	"errors"
	"strings"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrAlreadyClaimed     = errors.New("task already started")
	ErrTranscriptNotReady = errors.New("transcription not completed")
	ErrFileTooLarge       = errors.New("file too large")
	ErrTaskExists         = errors.New("task already exists")
)

// ValidationError rejects a request before any record is written.
type ValidationError struct {
	Message string
	Missing []string
	// Supported is set when the file extension is not allowed.
	Supported []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return e.Message + ": " + strings.Join(e.Missing, ", ")
	}
	return e.Message
}

func newErrExtNotAllowed(supported []string) error {
	return &ValidationError{Message: "Unsupported file format", Supported: supported}
}

// claimError marks a failure that happened before the task was claimed;
// the record is still pending and a fallback attempt may pick it up.
type claimError struct {
	err error
}

func (e *claimError) Error() string { return "claim task: " + e.err.Error() }
func (e *claimError) Unwrap() error { return e.err }
