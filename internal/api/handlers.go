package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"transcriber/internal/status"
	"transcriber/internal/task"
)

// multipartSlack covers multipart headers and boundaries around the file part.
const multipartSlack = 1 << 20

type taskResultResponse struct {
	TaskID  string       `json:"task_id"`
	Status  task.Outcome `json:"status"`
	Message string       `json:"message"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type recordResponse struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	Status      string  `json:"status"`
	FileSize    int64   `json:"file_size"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type API struct {
	taskManager *task.Manager
	statuses    *status.Service
}

func NewAPI(taskManager *task.Manager, statuses *status.Service) *API {
	return &API{taskManager: taskManager, statuses: statuses}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)
	api := router.Group("/api/v1")
	{
		api.POST("/uploads", a.Upload)
		api.POST("/tasks", a.CreateTask)
		api.GET("/tasks", a.ListTasks)
		api.GET("/tasks/:id", a.GetTask)
		api.GET("/tasks/:id/transcript", a.DownloadTranscript)
		api.PUT("/tasks/:id/name", a.RenameTask)
		api.DELETE("/tasks/:id", a.DeleteTask)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "busy": a.taskManager.IsBusy()})
}

// Upload accepts a multipart media file and starts its transcription
func (a *API) Upload(c *gin.Context) {
	if a.taskManager.IsBusy() {
		log.Warn().Msg("rejecting upload: server is at max concurrency")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	if limit := a.taskManager.MaxUploadBytes(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartSlack)
	}
	header, err := c.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		log.Warn().Int64("limit", tooLarge.Limit).Msg("upload body exceeds limit")
		a.writeTaskError(c, "", task.ErrFileTooLarge)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("upload without file")
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	f, err := header.Open()
	if err != nil {
		log.Error().Err(err).Str("name", header.Filename).Msg("open multipart file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	defer f.Close()

	res, err := a.taskManager.Upload(c.Request.Context(), task.UploadRequest{
		Filename:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Body:        f,
	})
	if err != nil {
		a.writeTaskError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, taskResultResponse{TaskID: res.TaskID, Status: res.Outcome, Message: res.Message})
}

// CreateTask registers media that is already in blob storage
func (a *API) CreateTask(c *gin.Context) {
	if a.taskManager.IsBusy() {
		log.Warn().Msg("rejecting task creation: server is at max concurrency")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	var req task.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create task request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	res, err := a.taskManager.CreateTask(c.Request.Context(), req)
	if err != nil {
		a.writeTaskError(c, req.TaskID, err)
		return
	}
	c.JSON(http.StatusOK, taskResultResponse{TaskID: res.TaskID, Status: res.Outcome, Message: res.Message})
}

// ListTasks returns the most recent tasks, newest first
func (a *API) ListTasks(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	rows, err := a.statuses.History(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": rows})
}

// GetTask returns task status
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	snap, err := a.statuses.Get(c.Request.Context(), id)
	if errors.Is(err, status.ErrNotFound) {
		log.Warn().Str("task_id", id).Msg("task not found on get")
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		log.Error().Str("task_id", id).Err(err).Msg("status query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get status"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DownloadTranscript serves the transcription text when completed
func (a *API) DownloadTranscript(c *gin.Context) {
	id := c.Param("id")
	name, text, err := a.taskManager.Transcript(c.Request.Context(), id)
	if err != nil {
		a.writeTaskError(c, id, err)
		return
	}
	log.Info().Str("task_id", id).Str("name", name).Msg("serving transcript download")
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

// RenameTask changes the display name of a task
func (a *API) RenameTask(c *gin.Context) {
	id := c.Param("id")
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("invalid rename request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	rec, err := a.taskManager.Rename(c.Request.Context(), id, req.Name)
	if err != nil {
		a.writeTaskError(c, id, err)
		return
	}
	resp := recordResponse{
		ID:        rec.ID,
		Filename:  rec.OriginalFilename,
		Status:    string(rec.Status),
		FileSize:  rec.FileSize,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.CompletedAt != nil {
		s := rec.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteTask removes a task and its stored media
func (a *API) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.taskManager.Delete(c.Request.Context(), id); err != nil {
		a.writeTaskError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully"})
}

func (a *API) writeTaskError(c *gin.Context, id string, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		log.Warn().Str("task_id", id).Err(err).Msg("request rejected")
		body := gin.H{"error": verr.Message}
		if len(verr.Missing) > 0 {
			body["required"] = verr.Missing
		}
		if len(verr.Supported) > 0 {
			body["supported"] = verr.Supported
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, task.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrTaskNotFound):
		log.Warn().Str("task_id", id).Msg("task not found")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrTaskExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrTranscriptNotReady):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Str("task_id", id).Err(err).Msg("task operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
