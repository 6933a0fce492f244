package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the troubleshooting HTTP API",
		Long: `Serve the HTTP API until SIGINT or SIGTERM.

Endpoints:
  POST   /api/v1/sessions/:id/turns   process one user message
  DELETE /api/v1/sessions/:id         close a session (?purge=true deletes it)
  GET    /api/v1/users/:id/profile    read a user profile
  PUT    /api/v1/users/:id/profile    merge fields into a user profile
  GET    /health                      memory tier status
  GET    /metrics                     Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

// runServe starts the HTTP server and blocks until ctx is cancelled.
func runServe(ctx context.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	logger := a.logger.Underlying()
	srv, err := http.NewServer(a.registry.Orchestrator(), logger, &http.Config{
		Host:           a.cfg.Server.Host,
		Port:           a.cfg.Server.Port,
		MaxQueryLength: a.cfg.Classifier.MaxQueryLength,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", a.cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
