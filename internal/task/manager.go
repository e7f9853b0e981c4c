package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"transcriber/internal/blob"
	"transcriber/internal/media"
	"transcriber/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// taskIDPattern keeps ids usable as path components and storage keys.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Manager owns the lifecycle of transcription tasks: it creates records,
// runs the transition sequence inline or detached, and serves the
// user-initiated mutations (rename, delete).
type Manager struct {
	mu                sync.RWMutex
	deps              Deps
	opts              Options
	allowedExtensions map[string]struct{}
	semaphore         chan struct{}
	workersWG         sync.WaitGroup
	baseCtx           context.Context
	flight            singleflight.Group
	now               func() time.Time
	newID             func() string
}

// NewManager creates a manager with the provided collaborators and configuration.
func NewManager(deps Deps, opts Options) *Manager {
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = []string{".mp3", ".wav", ".m4a", ".mp4", ".avi", ".mov", ".mkv"}
	}
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	normalized := make([]string, 0, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, dup := allowed[ext]; dup {
			continue
		}
		allowed[ext] = struct{}{}
		normalized = append(normalized, ext)
	}
	opts.AllowedExtensions = normalized
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = defaultMaxConcurrent
	}
	if opts.InlineDeadline <= 0 {
		opts.InlineDeadline = defaultInlineDeadline
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.FallbackAttempts < 0 {
		opts.FallbackAttempts = 0
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join("data", "tmp")
	}
	if deps.Media == nil {
		deps.Media = media.Passthrough{}
	}
	return &Manager{
		deps:              deps,
		opts:              opts,
		allowedExtensions: allowed,
		semaphore:         make(chan struct{}, opts.MaxConcurrentTasks),
		baseCtx:           context.Background(),
		now:               func() time.Time { return time.Now().UTC() },
		newID:             uuid.NewString,
	}
}

// IsBusy reports whether every transcription slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// AllowedExtensions returns the accepted file extensions.
func (m *Manager) AllowedExtensions() []string {
	return slices.Clone(m.opts.AllowedExtensions)
}

// MaxUploadBytes returns the upload size limit; zero means unlimited.
func (m *Manager) MaxUploadBytes() int64 {
	return m.opts.MaxUploadBytes
}

// CheckFilename applies the file-type gate: the extension after the last dot
// must exactly match an allowed extension, ignoring case.
func (m *Manager) CheckFilename(name string) error {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	if _, ok := m.allowedExtensions[ext]; !ok || ext == "" {
		return newErrExtNotAllowed(m.AllowedExtensions())
	}
	return nil
}

// Upload stores the media under a fresh task id, creates the task and runs it.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (Result, error) {
	name := displayName(req.Filename)
	if name == "" || req.Body == nil {
		return Result{}, &ValidationError{Message: "Missing required fields", Missing: []string{"file"}}
	}
	if err := m.CheckFilename(name); err != nil {
		return Result{}, err
	}
	if m.opts.MaxUploadBytes > 0 && req.Size > m.opts.MaxUploadBytes {
		return Result{}, ErrFileTooLarge
	}

	taskID := m.newID()
	key := blob.Key(taskID, name)
	if err := m.deps.Blobs.Upload(ctx, key, req.Body, req.ContentType); err != nil {
		log.Error().Str("task_id", taskID).Str("key", key).Err(err).Msg("blob upload failed")
		return Result{}, fmt.Errorf("upload media: %w", err)
	}
	log.Info().Str("task_id", taskID).Str("key", key).Int64("size", req.Size).Msg("media uploaded")

	res, err := m.CreateTask(ctx, CreateRequest{
		TaskID:           taskID,
		Filename:         key,
		OriginalFilename: name,
		FileSize:         req.Size,
		MimeType:         req.ContentType,
		StoragePath:      key,
	})
	if err != nil {
		// The blob was stored by this call, so nothing else references it.
		m.removeBlob(taskID, key)
		return Result{}, err
	}
	return res, nil
}

// CreateTask records a pending task for media already in the blob store and
// runs it, returning once it completes or the inline deadline passes.
func (m *Manager) CreateTask(ctx context.Context, req CreateRequest) (Result, error) {
	if err := m.initTask(ctx, req); err != nil {
		return Result{}, err
	}
	return m.Run(req.TaskID), nil
}

func (m *Manager) initTask(ctx context.Context, req CreateRequest) error {
	var missing []string
	if strings.TrimSpace(req.TaskID) == "" {
		missing = append(missing, "task_id")
	}
	if strings.TrimSpace(req.Filename) == "" {
		missing = append(missing, "filename")
	}
	if strings.TrimSpace(req.OriginalFilename) == "" {
		missing = append(missing, "original_filename")
	}
	if req.FileSize <= 0 {
		missing = append(missing, "file_size")
	}
	if len(missing) > 0 {
		return &ValidationError{Message: "Missing required fields", Missing: missing}
	}
	if !taskIDPattern.MatchString(req.TaskID) {
		return &ValidationError{Message: "Invalid task_id"}
	}
	name := displayName(req.OriginalFilename)
	if err := m.CheckFilename(name); err != nil {
		return err
	}

	key := strings.TrimSpace(req.StoragePath)
	if key == "" {
		key = strings.TrimSpace(req.Filename)
	}

	createdAt := m.now()
	rec := &store.Record{
		ID:               req.TaskID,
		BlobKey:          key,
		OriginalFilename: name,
		MimeType:         req.MimeType,
		Status:           store.StatusPending,
		FileSize:         req.FileSize,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	if err := m.deps.Records.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrRecordExists) {
			return ErrTaskExists
		}
		log.Error().Str("task_id", req.TaskID).Err(err).Msg("create record failed")
		return fmt.Errorf("create record: %w", err)
	}
	log.Info().Str("task_id", req.TaskID).Str("name", name).Int64("size", req.FileSize).Msg("task created")

	m.newProgress(req.TaskID).emit(ctx, progressUploaded, msgUploaded)
	return nil
}

// Rename changes the display name of a task.
func (m *Manager) Rename(ctx context.Context, taskID, name string) (*store.Record, error) {
	name = displayName(name)
	if name == "" {
		return nil, &ValidationError{Message: "Name is required"}
	}
	err := m.deps.Records.UpdateRecord(ctx, taskID, store.Update{OriginalFilename: &name})
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rename record: %w", err)
	}
	log.Info().Str("task_id", taskID).Str("name", name).Msg("task renamed")
	return m.getRecord(ctx, taskID)
}

// Delete removes a task, its progress events and its source blob.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	rec, err := m.getRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.deps.Progress.DeleteProgress(ctx, taskID); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("progress deletion failed")
	}
	if err := m.deps.Records.DeleteRecord(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("delete record: %w", err)
	}
	m.removeBlob(taskID, rec.BlobKey)
	log.Info().Str("task_id", taskID).Str("name", rec.OriginalFilename).Msg("task deleted")
	return nil
}

// Transcript returns the download filename and text of a completed task.
func (m *Manager) Transcript(ctx context.Context, taskID string) (string, string, error) {
	rec, err := m.getRecord(ctx, taskID)
	if err != nil {
		return "", "", err
	}
	if rec.Status != store.StatusCompleted {
		return "", "", ErrTranscriptNotReady
	}
	base := strings.TrimSuffix(rec.OriginalFilename, filepath.Ext(rec.OriginalFilename))
	return base + "_transcription.txt", rec.TranscriptionText, nil
}

// SetBaseContext sets the context detached executions run under.
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseCtx == nil {
		return context.Background()
	}
	return m.baseCtx
}

// WaitAll blocks until all in-flight executions finish or the context is done.
// Returns true if all finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) getRecord(ctx context.Context, taskID string) (*store.Record, error) {
	rec, err := m.deps.Records.GetRecord(ctx, taskID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// removeBlob deletes a source blob; failures are logged only.
func (m *Manager) removeBlob(taskID, key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.deps.Blobs.Remove(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Warn().Str("task_id", taskID).Str("key", key).Err(err).Msg("blob cleanup failed")
	}
}

// displayName trims and NFC-normalizes a user supplied filename.
func displayName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
