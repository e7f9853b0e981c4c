// Package status projects task records and progress events for polling clients.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcriber/internal/store"
)

var ErrNotFound = errors.New("task not found")

const (
	msgPending    = "Task is waiting to be processed"
	msgProcessing = "Processing"
	msgCompleted  = "Transcription completed successfully"
	msgFailed     = "Transcription failed"
)

// Snapshot is what a polling client sees for one task.
type Snapshot struct {
	TaskID            string       `json:"task_id"`
	Status            store.Status `json:"status"`
	Progress          int          `json:"progress"`
	Message           string       `json:"message"`
	Filename          string       `json:"filename"`
	FileSize          int64        `json:"file_size"`
	TranscriptionText string       `json:"transcription_text,omitempty"`
	Error             string       `json:"error,omitempty"`
	Duration          *float64     `json:"duration,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Summary is one row of the history listing.
type Summary struct {
	ID                string       `json:"id"`
	Filename          string       `json:"filename"`
	Status            store.Status `json:"status"`
	FileSize          int64        `json:"file_size"`
	TranscriptionText string       `json:"transcription_text,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	Duration          *float64     `json:"duration,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Service is a read-only view over the record and progress stores.
type Service struct {
	records  store.RecordStore
	progress store.ProgressStore
	limit    int
}

// NewService builds the view. defaultLimit caps History when the caller passes none.
func NewService(records store.RecordStore, progress store.ProgressStore, defaultLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	return &Service{records: records, progress: progress, limit: defaultLimit}
}

// Get returns the current snapshot of a task. It never writes.
func (s *Service) Get(ctx context.Context, taskID string) (Snapshot, error) {
	rec, err := s.records.GetRecord(ctx, taskID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get record: %w", err)
	}

	snap := Snapshot{
		TaskID:    rec.ID,
		Status:    rec.Status,
		Filename:  rec.OriginalFilename,
		FileSize:  rec.FileSize,
		CreatedAt: rec.CreatedAt,
	}
	switch rec.Status {
	case store.StatusPending:
		snap.Message = msgPending
	case store.StatusProcessing:
		snap.Message = msgProcessing
		ev, err := s.progress.LatestProgress(ctx, taskID)
		switch {
		case errors.Is(err, store.ErrProgressNotFound):
		case err != nil:
			return Snapshot{}, fmt.Errorf("latest progress: %w", err)
		default:
			snap.Progress = ev.Progress
			if ev.Message != "" {
				snap.Message = ev.Message
			}
		}
	case store.StatusCompleted:
		snap.Progress = 100
		snap.Message = msgCompleted
		snap.TranscriptionText = rec.TranscriptionText
		snap.Duration = rec.Duration
		snap.CompletedAt = rec.CompletedAt
	case store.StatusFailed:
		snap.Message = msgFailed
		snap.Error = rec.ErrorMessage
	}
	return snap, nil
}

// History lists the most recent tasks, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	records, err := s.records.ListRecords(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Summary, 0, len(records))
	for _, r := range records {
		out = append(out, Summary{
			ID:                r.ID,
			Filename:          r.OriginalFilename,
			Status:            r.Status,
			FileSize:          r.FileSize,
			TranscriptionText: r.TranscriptionText,
			ErrorMessage:      r.ErrorMessage,
			Duration:          r.Duration,
			CreatedAt:         r.CreatedAt,
			CompletedAt:       r.CompletedAt,
		})
	}
	return out, nil
}
