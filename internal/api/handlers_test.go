package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"transcriber/internal/blob"
	"transcriber/internal/status"
	"transcriber/internal/store"
	"transcriber/internal/task"
)

type fakeProvider struct {
	text    string
	block   chan struct{}
	started chan struct{}
}

func (p *fakeProvider) Transcribe(ctx context.Context, audio io.Reader, _ string) (string, error) {
	_, _ = io.Copy(io.Discard, audio)
	if p.started != nil {
		close(p.started)
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.text, nil
}

type testServer struct {
	router  *gin.Engine
	manager *task.Manager
	store   store.Store
	blobs   *blob.LocalStore
}

func setupRouter(t *testing.T, provider *fakeProvider, opts task.Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	st := store.NewFileStore(dir)
	blobs, err := blob.NewLocalStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("local blobs: %v", err)
	}
	opts.TempDir = filepath.Join(dir, "tmp")
	testManager := task.NewManager(task.Deps{
		Records:  st,
		Progress: st,
		Blobs:    blobs,
		Provider: provider,
	}, opts)
	testRouter := gin.New()
	testRouter.Use(ZerologLogger())
	NewAPI(testManager, status.NewService(st, st, 50)).RegisterRoutes(testRouter)
	return &testServer{router: testRouter, manager: testManager, store: st, blobs: blobs}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) waitAll(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !s.manager.WaitAll(ctx) {
		t.Fatalf("background work did not finish")
	}
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestUploadCompletesAndServesStatus(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "hello world"}, task.Options{})

	w := srv.do(uploadRequest(t, "interview.m4a", "audio-bytes"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	resp := decode(t, w)
	id, _ := resp["task_id"].(string)
	if id == "" {
		t.Fatalf("expected non-empty task_id")
	}
	if resp["status"] != string(task.OutcomeCompleted) {
		t.Fatalf("expected completed, got %v", resp["status"])
	}
	srv.waitAll(t)

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp = decode(t, w)
	if resp["status"] != string(store.StatusCompleted) || resp["transcription_text"] != "hello world" {
		t.Fatalf("unexpected status body: %v", resp)
	}
	if resp["progress"] != float64(100) {
		t.Fatalf("expected progress 100, got %v", resp["progress"])
	}

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id+"/transcript", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "hello world" {
		t.Fatalf("unexpected transcript body %q", w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "interview_transcription.txt") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
}

func TestUploadRejectsBadExtension(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})

	w := srv.do(uploadRequest(t, "notes.txt", "text"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["error"] != "Unsupported file format" {
		t.Fatalf("unexpected error %v", resp["error"])
	}
	if _, ok := resp["supported"]; !ok {
		t.Fatalf("expected supported extensions in body")
	}

	records, err := srv.store.ListRecords(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestUploadWithoutFile(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader(""))
	w := srv.do(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{MaxUploadBytes: 4})
	w := srv.do(uploadRequest(t, "clip.mp3", "more than four bytes"))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestCreateTaskRequiresFields(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"task_id":"T1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := srv.do(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	resp := decode(t, w)
	required, ok := resp["required"].([]any)
	if !ok || len(required) != 3 {
		t.Fatalf("expected three missing fields, got %v", resp["required"])
	}
}

func TestCreateTaskForStoredBlob(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "from storage"}, task.Options{})
	key := blob.Key("T1", "speech.wav")
	if err := srv.blobs.Upload(context.Background(), key, strings.NewReader("wav"), "audio/wav"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	body := `{"task_id":"T1","filename":"` + key + `","original_filename":"speech.wav","file_size":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := srv.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["task_id"] != "T1" || resp["status"] != string(task.OutcomeCompleted) {
		t.Fatalf("unexpected body: %v", resp)
	}
	srv.waitAll(t)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if w = srv.do(req); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", w.Code)
	}
}

func TestGetUnknownTask(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})
	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestProcessingTaskAndBusyServer(t *testing.T) {
	provider := &fakeProvider{text: "slow", block: make(chan struct{}), started: make(chan struct{})}
	srv := setupRouter(t, provider, task.Options{MaxConcurrentTasks: 1, InlineDeadline: 20 * time.Millisecond})

	w := srv.do(uploadRequest(t, "long.mp4", "video"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != string(task.OutcomeProcessing) {
		t.Fatalf("expected processing, got %v", resp["status"])
	}
	id := resp["task_id"].(string)

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id+"/transcript", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 before completion, got %d", w.Code)
	}

	// the only slot is taken by the blocked provider
	<-provider.started
	if w = srv.do(uploadRequest(t, "other.mp3", "audio")); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	close(provider.block)
	srv.waitAll(t)
	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil))
	if resp = decode(t, w); resp["status"] != string(store.StatusCompleted) {
		t.Fatalf("expected completed after release, got %v", resp["status"])
	}
}

func TestRenameListAndDelete(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})
	resp := decode(t, srv.do(uploadRequest(t, "a.mp3", "a")))
	id := resp["task_id"].(string)
	srv.waitAll(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/tasks/"+id+"/name", strings.NewReader(`{"name":"Board meeting.mp3"}`))
	req.Header.Set("Content-Type", "application/json")
	w := srv.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp = decode(t, w); resp["filename"] != "Board meeting.mp3" {
		t.Fatalf("unexpected rename body: %v", resp)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/tasks/"+id+"/name", strings.NewReader(`{"name":"  "}`))
	req.Header.Set("Content-Type", "application/json")
	if w = srv.do(req); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", w.Code)
	}

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	tasks, _ := decode(t, w)["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("expected one task in history, got %d", len(tasks))
	}
	if w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=abc", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}

	if w = srv.do(httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+id, nil)); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w = srv.do(httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+id, nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})
	w := srv.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUploadBodyOverLimitRejectedWhileParsing(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{MaxUploadBytes: 16})
	w := srv.do(uploadRequest(t, "clip.mp3", strings.Repeat("a", 2<<20)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
	records, err := srv.store.ListRecords(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("oversized upload must not create a task")
	}
}

func TestCreateTaskRejectsPathLikeID(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "x"}, task.Options{})
	for _, id := range []string{"..", "../..", "a/b"} {
		body := `{"task_id":"` + id + `","filename":"x.mp3","original_filename":"x.mp3","file_size":1}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if w := srv.do(req); w.Code != http.StatusBadRequest {
			t.Fatalf("task id %q: expected 400, got %d", id, w.Code)
		}
	}
	srv.waitAll(t)
}

func TestTranscriptHeaderQuotesFilename(t *testing.T) {
	srv := setupRouter(t, &fakeProvider{text: "hello"}, task.Options{})
	w := srv.do(uploadRequest(t, "clip.mp3", "audio"))
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	id := decode(t, w)["task_id"].(string)
	srv.waitAll(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/tasks/"+id+"/name", strings.NewReader(`{"name":"say \"hi\"; x.mp3"}`))
	req.Header.Set("Content-Type", "application/json")
	if w = srv.do(req); w.Code != http.StatusOK {
		t.Fatalf("rename: %d %s", w.Code, w.Body.String())
	}

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id+"/transcript", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("transcript: %d", w.Code)
	}
	disposition, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	if err != nil {
		t.Fatalf("parse content disposition %q: %v", w.Header().Get("Content-Disposition"), err)
	}
	if disposition != "attachment" || params["filename"] != `say "hi"; x_transcription.txt` {
		t.Fatalf("unexpected disposition %q %v", disposition, params)
	}
}
