package store

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrRecordExists     = errors.New("record already exists")
	ErrStatusConflict   = errors.New("record status changed concurrently")
	ErrProgressNotFound = errors.New("no progress recorded")
	ErrInvalidID        = errors.New("invalid record id")
)

// Record is the durable row summarizing one transcription task.
type Record struct {
	ID                string     `gorm:"primaryKey;size:64" json:"id"`
	BlobKey           string     `gorm:"column:filename;size:1024" json:"filename"`
	OriginalFilename  string     `gorm:"size:1024" json:"original_filename"`
	MimeType          string     `gorm:"size:255" json:"mime_type,omitempty"`
	Status            Status     `gorm:"size:32;not null;index;default:pending" json:"status"`
	FileSize          int64      `json:"file_size"`
	TranscriptionText string     `gorm:"type:text" json:"transcription_text,omitempty"`
	ErrorMessage      string     `gorm:"type:text" json:"error_message,omitempty"`
	Duration          *float64   `json:"duration,omitempty"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func (Record) TableName() string {
	return "transcription_records"
}

// ProgressEvent is a timestamped progress snapshot. The latest by UpdatedAt wins.
type ProgressEvent struct {
	TaskID    string    `gorm:"primaryKey;size:64" json:"task_id"`
	UpdatedAt time.Time `gorm:"primaryKey;autoUpdateTime:false" json:"updated_at"`
	Progress  int       `gorm:"not null" json:"progress"`
	Message   string    `gorm:"type:text" json:"message"`
}

func (ProgressEvent) TableName() string {
	return "task_progress"
}

// Update carries a partial record update; nil fields are left untouched.
type Update struct {
	Status            *Status
	OriginalFilename  *string
	TranscriptionText *string
	ErrorMessage      *string
	Duration          *float64
	CompletedAt       *time.Time
}

func (u Update) apply(r *Record) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.OriginalFilename != nil {
		r.OriginalFilename = *u.OriginalFilename
	}
	if u.TranscriptionText != nil {
		r.TranscriptionText = *u.TranscriptionText
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = *u.ErrorMessage
	}
	if u.Duration != nil {
		d := *u.Duration
		r.Duration = &d
	}
	if u.CompletedAt != nil {
		c := *u.CompletedAt
		r.CompletedAt = &c
	}
}

func (u Update) columns() map[string]any {
	cols := make(map[string]any, 6)
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.OriginalFilename != nil {
		cols["original_filename"] = *u.OriginalFilename
	}
	if u.TranscriptionText != nil {
		cols["transcription_text"] = *u.TranscriptionText
	}
	if u.ErrorMessage != nil {
		cols["error_message"] = *u.ErrorMessage
	}
	if u.Duration != nil {
		cols["duration"] = *u.Duration
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	return cols
}

// RecordStore persists transcription records.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	UpdateRecord(ctx context.Context, id string, u Update) error
	// TransitionRecord applies u only if the record is currently in status from.
	// Exactly one of several concurrent callers with the same from can succeed;
	// the others get ErrStatusConflict.
	TransitionRecord(ctx context.Context, id string, from Status, u Update) error
	ListRecords(ctx context.Context, limit int) ([]Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	DeleteRecord(ctx context.Context, id string) error
}

// ProgressStore persists progress events keyed by task id and timestamp.
type ProgressStore interface {
	PutProgress(ctx context.Context, e ProgressEvent) error
	LatestProgress(ctx context.Context, taskID string) (*ProgressEvent, error)
	DeleteProgress(ctx context.Context, taskID string) error
}

// Store is the combined persistence surface used by the service.
type Store interface {
	RecordStore
	ProgressStore
	Migrate(ctx context.Context) error
	Close() error
}
