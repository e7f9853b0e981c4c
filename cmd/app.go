package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"transcriber/internal/blob"
	"transcriber/internal/config"
	fileutil "transcriber/internal/file"
	"transcriber/internal/media"
	"transcriber/internal/status"
	"transcriber/internal/store"
	"transcriber/internal/task"
	"transcriber/internal/transcribe"
)

// app holds the collaborators built from one config.
type app struct {
	cfg      config.Config
	store    store.Store
	manager  *task.Manager
	statuses *status.Service
}

// openStore prepares the data dir and opens a migrated store.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	log.Info().Str("driver", cfg.Database.Driver).Str("data_dir", cfg.DataDir).Msg("store ready")
	return st, nil
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.Open(cfg.Blob.Backend, cfg.Blob.Options, filepath.Join(cfg.DataDir, "uploads"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	provider, err := transcribe.NewOpenAIProvider(transcribe.OpenAIOptions{
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		BaseURL:  cfg.Provider.BaseURL,
		Language: cfg.Provider.Language,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("transcription provider: %w", err)
	}

	var preparer media.Preparer = media.Passthrough{}
	if cfg.Media.FFmpegPath != "" {
		preparer = media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, cfg.Media.MaxSegment)
		log.Info().Str("ffmpeg", cfg.Media.FFmpegPath).Dur("max_segment", cfg.Media.MaxSegment).Msg("media conversion enabled")
	}

	tm := task.NewManager(task.Deps{
		Records:  st,
		Progress: st,
		Blobs:    blobs,
		Provider: provider,
		Media:    preparer,
	}, task.Options{
		TempDir:                  filepath.Join(cfg.DataDir, "tmp"),
		AllowedExtensions:        cfg.AllowedExtensions,
		MaxConcurrentTasks:       cfg.MaxConcurrentTasks,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		InlineDeadline:           cfg.InlineDeadline,
		FallbackAttempts:         cfg.FallbackAttempts,
		StaleAfter:               cfg.StaleAfter,
		DeleteSourceAfterSuccess: cfg.DeleteSourceAfterSuccess,
	})

	return &app{
		cfg:      cfg,
		store:    st,
		manager:  tm,
		statuses: status.NewService(st, st, cfg.HistoryLimit),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}
