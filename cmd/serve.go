package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"transcriber/internal/api"
	"transcriber/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg.Port, func(ctx context.Context) (*app, error) {
				return buildApp(ctx, cfg)
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the listen port")
	return cmd
}

func serve(ctx context.Context, port int, build func(context.Context) (*app, error)) error {
	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	a.manager.SetBaseContext(baseCtx)

	if _, err := a.manager.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("startup recovery incomplete")
	}

	router := setupRouter()
	api.NewAPI(a.manager, a.statuses).RegisterRoutes(router)

	srv := newHTTPServer(port, gzhttp.GzipHandler(router), readHeaderTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-waitForShutdownSignal():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		baseCancel()
		return fmt.Errorf("http server failed: %w", err)
	}

	gracefulShutdown(srv, baseCancel, a.manager, shutdownTimeout)
	return nil
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	return quit
}

// gracefulShutdown stops accepting requests, then gives detached executions
// the remaining time before cancelling them.
func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	if !tm.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout, cancelling")
		cancelBase()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		tm.WaitAll(waitCtx)
	}
	cancelBase()
	log.Info().Msg("server exited cleanly")
}
