package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fileutil "transcriber/internal/file"
)

// fileStore implements Store using the local filesystem under dataDir:
//
//	<dataDir>/tasks/<id>/record.json
//	<dataDir>/tasks/<id>/progress.json
//
// Conditional transitions are serialized by a process-wide mutex, so the
// file store only guarantees a single winner within one process.
type fileStore struct {
	mu      sync.Mutex
	dataDir string
}

func NewFileStore(dataDir string) Store { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

// validID reports whether id names exactly one directory below tasksDir.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (s *fileStore) tasksDir() string {
	return filepath.Join(s.dataDir, "tasks")
}

func (s *fileStore) taskDir(taskID string) string {
	return filepath.Join(s.tasksDir(), taskID)
}

func (s *fileStore) recordPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "record.json")
}

func (s *fileStore) progressPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "progress.json")
}

func (s *fileStore) Migrate(_ context.Context) error {
	return fileutil.EnsureDir(s.tasksDir()) //nolint:wrapcheck
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) CreateRecord(_ context.Context, r *Record) error {
	if !validID(r.ID) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.recordPath(r.ID)); err == nil {
		return ErrRecordExists
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return s.writeRecord(r)
}

func (s *fileStore) GetRecord(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(id)
}

func (s *fileStore) UpdateRecord(_ context.Context, id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.readRecord(id)
	if err != nil {
		return err
	}
	u.apply(r)
	r.UpdatedAt = time.Now().UTC()
	return s.writeRecord(r)
}

func (s *fileStore) TransitionRecord(_ context.Context, id string, from Status, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if r.Status != from {
		return ErrStatusConflict
	}
	u.apply(r)
	r.UpdatedAt = time.Now().UTC()
	return s.writeRecord(r)
}

func (s *fileStore) ListRecords(_ context.Context, limit int) ([]Record, error) {
	records, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *fileStore) ListByStatus(_ context.Context, status Status) ([]Record, error) {
	records, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	matched := records[:0]
	for _, r := range records {
		if r.Status == status {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (s *fileStore) DeleteRecord(_ context.Context, id string) error {
	if !validID(id) {
		return ErrRecordNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("remove record: %w", err)
	}
	s.removeTaskDirIfEmpty(id)
	return nil
}

func (s *fileStore) PutProgress(_ context.Context, e ProgressEvent) error {
	if !validID(e.TaskID) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events, err := s.readProgress(e.TaskID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range events {
		if events[i].UpdatedAt.Equal(e.UpdatedAt) {
			events[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		events = append(events, e)
	}
	return fileutil.WriteJSONAtomic(s.progressPath(e.TaskID), events) //nolint:wrapcheck
}

func (s *fileStore) LatestProgress(_ context.Context, taskID string) (*ProgressEvent, error) {
	if !validID(taskID) {
		return nil, ErrProgressNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events, err := s.readProgress(taskID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrProgressNotFound
	}
	latest := events[0]
	for _, e := range events[1:] {
		if !e.UpdatedAt.Before(latest.UpdatedAt) {
			latest = e
		}
	}
	return &latest, nil
}

func (s *fileStore) DeleteProgress(_ context.Context, taskID string) error {
	if !validID(taskID) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.progressPath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove progress: %w", err)
	}
	s.removeTaskDirIfEmpty(taskID)
	return nil
}

func (s *fileStore) readRecord(id string) (*Record, error) {
	if !validID(id) {
		return nil, ErrRecordNotFound
	}
	var r Record
	if err := fileutil.ReadJSON(s.recordPath(id), &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return &r, nil
}

func (s *fileStore) writeRecord(r *Record) error {
	if err := fileutil.WriteJSONAtomic(s.recordPath(r.ID), r); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *fileStore) readProgress(taskID string) ([]ProgressEvent, error) {
	var events []ProgressEvent
	if err := fileutil.ReadJSON(s.progressPath(taskID), &events); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read progress: %w", err)
	}
	return events, nil
}

func (s *fileStore) loadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := s.readRecord(e.Name())
		if err != nil {
			continue
		}
		records = append(records, *r)
	}
	return records, nil
}

func (s *fileStore) removeTaskDirIfEmpty(taskID string) {
	// os.Remove refuses non-empty directories
	_ = os.Remove(s.taskDir(taskID))
}
