package task

import (
	"io"
	"time"

	"transcriber/internal/blob"
	"transcriber/internal/media"
	"transcriber/internal/store"
	"transcriber/internal/transcribe"
)

// Outcome is what the creating caller learns about a task when its request returns.
type Outcome string

const (
	// OutcomeCompleted means the transcription finished before the inline deadline.
	OutcomeCompleted Outcome = "completed"
	// OutcomeProcessing means the task continues detached; poll its status.
	OutcomeProcessing Outcome = "processing"
)

// Result is returned to the caller that created a task.
type Result struct {
	TaskID  string
	Outcome Outcome
	Message string
}

// UploadRequest carries a media file received by the service itself.
type UploadRequest struct {
	Filename    string
	Size        int64
	ContentType string
	Body        io.Reader
}

// CreateRequest registers a file that is already in the blob store.
type CreateRequest struct {
	TaskID           string `json:"task_id"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
	MimeType         string `json:"mime_type"`
	StoragePath      string `json:"storage_path"`
}

// Deps are the collaborators the manager drives.
type Deps struct {
	Records  store.RecordStore
	Progress store.ProgressStore
	Blobs    blob.Store
	Provider transcribe.Provider
	// Media is optional; nil hands the downloaded file to the provider as is.
	Media media.Preparer
}

type Options struct {
	TempDir                  string
	AllowedExtensions        []string
	MaxConcurrentTasks       int
	MaxUploadBytes           int64
	InlineDeadline           time.Duration
	FallbackAttempts         int
	StaleAfter               time.Duration
	DeleteSourceAfterSuccess bool
}

const (
	defaultMaxConcurrent  = 3
	defaultInlineDeadline = 2 * time.Minute
	defaultStaleAfter     = 30 * time.Minute
)

// Progress checkpoints along the successful path.
const (
	progressUploaded     = 10
	progressDownloading  = 30
	progressPreparing    = 50
	progressTranscribing = 70
	progressDone         = 100
	progressFailed       = 0
)

const (
	msgUploaded     = "File uploaded successfully. Starting transcription..."
	msgDownloading  = "Downloading file from storage..."
	msgPreparing    = "Preparing file for transcription..."
	msgTranscribing = "Transcribing audio..."
	msgDone         = "Transcription completed!"
	msgInterrupted  = "interrupted before completion"

	resultCompleted  = "Task created and transcription completed successfully."
	resultTimedOut   = "Task created successfully. Processing started."
	resultBackground = "Task created successfully. Processing in background."
)
