package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	fileutil "transcriber/internal/file"
	"transcriber/internal/media"
	"transcriber/internal/store"

	"github.com/rs/zerolog/log"
)

var errEmptyTranscript = errors.New("transcription returned no text")

// Run starts the transition sequence for a pending task and waits for it until
// the inline deadline. The sequence is never cancelled by the deadline; it keeps
// running detached and its outcome is only observable through the status query.
func (m *Manager) Run(taskID string) Result {
	done := make(chan error, 1)
	m.spawn(func(ctx context.Context) {
		done <- m.execute(ctx, taskID)
	})

	timer := time.NewTimer(m.opts.InlineDeadline)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			return Result{TaskID: taskID, Outcome: OutcomeCompleted, Message: resultCompleted}
		}
		log.Warn().Str("task_id", taskID).Err(err).Msg("inline attempt failed, handing over to background")
		m.spawn(func(ctx context.Context) {
			m.fallback(ctx, taskID, err)
		})
		return Result{TaskID: taskID, Outcome: OutcomeProcessing, Message: resultBackground}
	case <-timer.C:
		log.Info().Str("task_id", taskID).Dur("deadline", m.opts.InlineDeadline).Msg("inline deadline elapsed, continuing in background")
		return Result{TaskID: taskID, Outcome: OutcomeProcessing, Message: resultTimedOut}
	}
}

// spawn runs fn detached under the base context and tracks it for WaitAll.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	ctx := m.baseContext()
	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		fn(ctx)
	}()
}

// fallback retries a task whose claim never went through. Once any attempt
// has claimed the task, that attempt owns the terminal write and the fallback
// has nothing left to do.
func (m *Manager) fallback(ctx context.Context, taskID string, cause error) {
	for attempt := 1; ; attempt++ {
		var ce *claimError
		if !errors.As(cause, &ce) {
			log.Debug().Str("task_id", taskID).AnErr("cause", cause).Msg("fallback skipped, task already claimed")
			return
		}
		if ctx.Err() != nil {
			log.Warn().Str("task_id", taskID).Msg("fallback cancelled, task left pending")
			return
		}
		if attempt > m.opts.FallbackAttempts {
			m.abandon(ctx, taskID, ce.err)
			return
		}
		log.Info().Str("task_id", taskID).Int("attempt", attempt).Msg("retrying unclaimed task")
		cause = m.execute(ctx, taskID)
		if cause == nil {
			return
		}
	}
}

// abandon records the claim failure once retries are exhausted. The record
// passes through processing so the lifecycle never skips a state.
func (m *Manager) abandon(ctx context.Context, taskID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.claim(ctx, taskID); err != nil {
		log.Error().Str("task_id", taskID).Err(err).AnErr("cause", cause).Msg("task left pending, claim keeps failing")
		return
	}
	m.fail(ctx, taskID, m.newProgress(taskID), &stepFailure{step: "claim", err: cause})
}

// execute runs the transition sequence at most once at a time per task id in
// this process; the durable claim extends that across processes.
func (m *Manager) execute(ctx context.Context, taskID string) error {
	_, err, shared := m.flight.Do(taskID, func() (any, error) {
		return nil, m.runSequence(ctx, taskID)
	})
	if shared {
		log.Debug().Str("task_id", taskID).Msg("joined in-flight execution")
	}
	return err //nolint:wrapcheck
}

func (m *Manager) runSequence(ctx context.Context, taskID string) error {
	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		return &claimError{err: ctx.Err()}
	}
	defer func() { <-m.semaphore }()

	rec, err := m.deps.Records.GetRecord(ctx, taskID)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		return ErrTaskNotFound
	case err != nil:
		return &claimError{err: err}
	case rec.Status != store.StatusPending:
		return ErrAlreadyClaimed
	}
	if err := m.claim(ctx, taskID); err != nil {
		return err
	}
	log.Info().Str("task_id", taskID).Str("name", rec.OriginalFilename).Msg("processing started")

	progress := m.newProgress(taskID)
	workDir, err := m.makeWorkDir()
	if err != nil {
		m.fail(ctx, taskID, progress, err)
		return err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Str("task_id", taskID).Err(err).Msg("temp cleanup failed")
		}
	}()

	text, duration, err := m.transcribe(ctx, rec, workDir, progress)
	if err != nil {
		m.fail(ctx, taskID, progress, err)
		return err
	}

	status := store.StatusCompleted
	completedAt := m.now()
	update := store.Update{
		Status:            &status,
		TranscriptionText: &text,
		CompletedAt:       &completedAt,
	}
	if duration > 0 {
		secs := duration.Seconds()
		update.Duration = &secs
	}
	if err := m.deps.Records.TransitionRecord(context.WithoutCancel(ctx), taskID, store.StatusProcessing, update); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Warn().Str("task_id", taskID).Msg("terminal state already written, result discarded")
			return ErrAlreadyClaimed
		}
		m.fail(ctx, taskID, progress, &stepFailure{step: "complete", err: err})
		return err
	}
	progress.emit(ctx, progressDone, msgDone)
	log.Info().Str("task_id", taskID).Int("chars", len(text)).Msg("transcription completed")

	if m.opts.DeleteSourceAfterSuccess {
		m.removeBlob(taskID, rec.BlobKey)
	}
	return nil
}

// claim moves a pending record to processing. Only one caller can win.
func (m *Manager) claim(ctx context.Context, taskID string) error {
	status := store.StatusProcessing
	err := m.deps.Records.TransitionRecord(ctx, taskID, store.StatusPending, store.Update{Status: &status})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrStatusConflict):
		return ErrAlreadyClaimed
	case errors.Is(err, store.ErrRecordNotFound):
		return ErrTaskNotFound
	default:
		return &claimError{err: err}
	}
}

// makeWorkDir creates a fresh scratch directory inside TempDir.
func (m *Manager) makeWorkDir() (string, error) {
	if err := fileutil.EnsureDir(m.opts.TempDir); err != nil {
		return "", &stepFailure{step: "workdir", err: err}
	}
	dir, err := os.MkdirTemp(m.opts.TempDir, "task-*")
	if err != nil {
		return "", &stepFailure{step: "workdir", err: err}
	}
	return dir, nil
}

// transcribe downloads, prepares and transcribes the source media of rec.
func (m *Manager) transcribe(ctx context.Context, rec *store.Record, workDir string, progress *progressEmitter) (string, time.Duration, error) {
	progress.emit(ctx, progressDownloading, msgDownloading)
	srcPath := filepath.Join(workDir, filepath.Base(rec.BlobKey))
	if err := m.download(ctx, rec.BlobKey, srcPath); err != nil {
		return "", 0, &stepFailure{step: "download", err: err}
	}

	progress.emit(ctx, progressPreparing, msgPreparing)
	segments, err := m.deps.Media.Prepare(ctx, srcPath, workDir)
	if err != nil {
		return "", 0, &stepFailure{step: "prepare", err: err}
	}
	if len(segments) == 0 {
		return "", 0, &stepFailure{step: "prepare", err: errors.New("no audio segments produced")}
	}

	progress.emit(ctx, progressTranscribing, msgTranscribing)
	parts := make([]string, 0, len(segments))
	var total time.Duration
	for i, seg := range segments {
		if len(segments) > 1 {
			pct := progressTranscribing + (progressDone-1-progressTranscribing)*i/len(segments)
			progress.emit(ctx, pct, fmt.Sprintf("Transcribing segment %d/%d...", i+1, len(segments)))
		}
		text, err := m.transcribeSegment(ctx, seg)
		if err != nil {
			return "", 0, &stepFailure{step: "transcribe", err: err}
		}
		if text != "" {
			parts = append(parts, text)
		}
		total += seg.Duration
	}

	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", 0, &stepFailure{step: "transcribe", err: errEmptyTranscript}
	}
	return text, total, nil
}

func (m *Manager) download(ctx context.Context, key, dest string) error {
	rc, err := m.deps.Blobs.Download(ctx, key)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer rc.Close()
	_, err = fileutil.CopyAtomic(dest, rc)
	return err //nolint:wrapcheck
}

func (m *Manager) transcribeSegment(ctx context.Context, seg media.Segment) (string, error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	defer f.Close()
	return m.deps.Provider.Transcribe(ctx, f, filepath.Base(seg.Path)) //nolint:wrapcheck
}

// fail moves a claimed task to failed with the collaborator's own message.
func (m *Manager) fail(ctx context.Context, taskID string, progress *progressEmitter, err error) {
	ctx = context.WithoutCancel(ctx)
	step := ""
	msg := err.Error()
	var sf *stepFailure
	if errors.As(err, &sf) {
		step = sf.step
		msg = sf.err.Error()
	}
	log.Error().Str("task_id", taskID).Str("step", step).Err(err).Msg("transcription failed")

	status := store.StatusFailed
	terr := m.deps.Records.TransitionRecord(ctx, taskID, store.StatusProcessing, store.Update{
		Status:       &status,
		ErrorMessage: &msg,
	})
	if terr != nil {
		log.Error().Str("task_id", taskID).Err(terr).Msg("persist failed state failed")
		return
	}
	progress.emit(ctx, progressFailed, "Error: "+msg)
}

// stepFailure tags a collaborator error with the step it happened in.
type stepFailure struct {
	step string
	err  error
}

func (e *stepFailure) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepFailure) Unwrap() error { return e.err }

// progressEmitter writes progress events with strictly increasing timestamps.
type progressEmitter struct {
	m      *Manager
	taskID string
	last   time.Time
}

func (m *Manager) newProgress(taskID string) *progressEmitter {
	return &progressEmitter{m: m, taskID: taskID}
}

// emit is best-effort: a lost event only makes polling output stale.
func (p *progressEmitter) emit(ctx context.Context, pct int, msg string) {
	at := p.m.now().UTC().Truncate(time.Microsecond)
	if !at.After(p.last) {
		at = p.last.Add(time.Microsecond)
	}
	p.last = at
	err := p.m.deps.Progress.PutProgress(ctx, store.ProgressEvent{
		TaskID:    p.taskID,
		UpdatedAt: at,
		Progress:  pct,
		Message:   msg,
	})
	if err != nil {
		log.Warn().Str("task_id", p.taskID).Int("progress", pct).Err(err).Msg("progress write failed")
		return
	}
	log.Debug().Str("task_id", p.taskID).Int("progress", pct).Msg(msg)
}
