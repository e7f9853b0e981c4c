package status

import (
	"context"
	"testing"
	"time"

	"transcriber/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readOnly fails the test on any write.
type readOnly struct {
	store.Store
	t *testing.T
}

func (r readOnly) CreateRecord(context.Context, *store.Record) error {
	r.t.Fatal("unexpected CreateRecord")
	return nil
}

func (r readOnly) UpdateRecord(context.Context, string, store.Update) error {
	r.t.Fatal("unexpected UpdateRecord")
	return nil
}

func (r readOnly) TransitionRecord(context.Context, string, store.Status, store.Update) error {
	r.t.Fatal("unexpected TransitionRecord")
	return nil
}

func (r readOnly) PutProgress(context.Context, store.ProgressEvent) error {
	r.t.Fatal("unexpected PutProgress")
	return nil
}

func (r readOnly) DeleteRecord(context.Context, string) error {
	r.t.Fatal("unexpected DeleteRecord")
	return nil
}

func (r readOnly) DeleteProgress(context.Context, string) error {
	r.t.Fatal("unexpected DeleteProgress")
	return nil
}

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewFileStore(t.TempDir())
	ro := readOnly{Store: st, t: t}
	return NewService(ro, ro, 2), st
}

func seed(t *testing.T, st store.Store, rec store.Record) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, st.CreateRecord(context.Background(), &rec))
}

func TestGetUnknownTask(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	seed(t, st, store.Record{ID: "other", OriginalFilename: "a.mp3", Status: store.StatusPending, FileSize: 3})
	before, err := st.ListRecords(ctx, 0)
	require.NoError(t, err)

	_, err = svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	after, err := st.ListRecords(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = st.GetRecord(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
	_, err = st.LatestProgress(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrProgressNotFound)
}

func TestGetPending(t *testing.T) {
	svc, st := newService(t)
	seed(t, st, store.Record{ID: "p", OriginalFilename: "a.mp3", Status: store.StatusPending, FileSize: 3})

	snap, err := svc.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, snap.Status)
	assert.Equal(t, msgPending, snap.Message)
	assert.Equal(t, "a.mp3", snap.Filename)
	assert.EqualValues(t, 3, snap.FileSize)
}

func TestGetProcessingUsesLatestProgress(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	seed(t, st, store.Record{ID: "w", OriginalFilename: "a.mp3", Status: store.StatusProcessing})

	snap, err := svc.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Progress)
	assert.Equal(t, msgProcessing, snap.Message)

	base := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, st.PutProgress(ctx, store.ProgressEvent{TaskID: "w", UpdatedAt: base.Add(2 * time.Millisecond), Progress: 50, Message: "Preparing file for transcription..."}))
	require.NoError(t, st.PutProgress(ctx, store.ProgressEvent{TaskID: "w", UpdatedAt: base, Progress: 30, Message: "Downloading file from storage..."}))

	snap, err = svc.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 50, snap.Progress)
	assert.Equal(t, "Preparing file for transcription...", snap.Message)
}

func TestGetTerminalStates(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	done := time.Now().UTC()
	secs := 12.5
	seed(t, st, store.Record{ID: "c", Status: store.StatusCompleted, TranscriptionText: "hello world", CompletedAt: &done, Duration: &secs})
	seed(t, st, store.Record{ID: "f", Status: store.StatusFailed, ErrorMessage: "network error"})

	snap, err := svc.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "hello world", snap.TranscriptionText)
	assert.Equal(t, msgCompleted, snap.Message)
	require.NotNil(t, snap.CompletedAt)
	assert.True(t, done.Equal(*snap.CompletedAt))
	assert.Empty(t, snap.Error)

	snap, err = svc.Get(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "network error", snap.Error)
	assert.Equal(t, msgFailed, snap.Message)
	assert.Empty(t, snap.TranscriptionText)
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	svc, st := newService(t)
	now := time.Now().UTC()
	seed(t, st, store.Record{ID: "old", Status: store.StatusCompleted, CreatedAt: now.Add(-2 * time.Hour)})
	seed(t, st, store.Record{ID: "mid", Status: store.StatusFailed, CreatedAt: now.Add(-time.Hour)})
	seed(t, st, store.Record{ID: "new", Status: store.StatusPending, CreatedAt: now})

	rows, err := svc.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].ID)
	assert.Equal(t, "mid", rows[1].ID)

	rows, err = svc.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
