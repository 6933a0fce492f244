package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/logging"
	"github.com/fyrsmithlabs/troubleshootd/internal/services"
	"github.com/fyrsmithlabs/troubleshootd/internal/telemetry"
)

// app is the process-wide wiring shared by the engine-backed commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  *services.Registry
}

// newApp loads configuration and builds every component. stderrLogs keeps
// stdout clean for commands that write protocol or JSON output there.
func newApp(ctx context.Context, stderrLogs bool) (_ *app, err error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logCfg.Output.Stderr = stderrLogs
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if degraded, terr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded, traces will not be exported", zap.Error(terr))
	}
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()

	reg, err := services.Build(ctx, cfg, logger.Underlying(), services.WithVersion(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := reg.Start(ctx); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("failed to start consolidation: %w", err)
	}

	logger.Info(ctx, "troubleshootd initialized",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Strings("tools", reg.Catalog().Names()),
	)
	return &app{cfg: cfg, logger: logger, telemetry: tel, registry: reg}, nil
}

// close releases components and flushes telemetry.
func (a *app) close() error {
	var errs []error
	if err := a.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Telemetry.Shutdown.Duration())
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
