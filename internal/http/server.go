// Package http serves the troubleshooting API over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/logging"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/orchestrator"
)

// TurnService is the engine behind the API. *orchestrator.Orchestrator
// implements it.
type TurnService interface {
	ProcessTurn(ctx context.Context, sessionID, userID, query string) (*orchestrator.AgentResponse, error)
	MemoryHealth(ctx context.Context) map[memory.Tier]string
	CloseSession(ctx context.Context, sessionID string) error
	PurgeSession(ctx context.Context, sessionID string) error
	UpdateProfile(ctx context.Context, userID string, fields map[string]any) (*memory.UserProfile, error)
	Profile(ctx context.Context, userID string) (*memory.UserProfile, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	service TurnService
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MaxQueryLength rejects longer queries. Zero disables the check.
	MaxQueryLength int
}

// NewServer creates a new HTTP server.
func NewServer(service TurnService, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("turn service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), reqID)))

			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions/:id/turns", s.handleTurn)
	v1.DELETE("/sessions/:id", s.handleCloseSession)
	v1.GET("/users/:id/profile", s.handleGetProfile)
	v1.PUT("/users/:id/profile", s.handleUpdateProfile)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth reports the memory tiers. A degraded tier does not fail the
// check since turns still complete without it.
func (s *Server) handleHealth(c echo.Context) error {
	tiers := s.service.MemoryHealth(c.Request().Context())
	resp := HealthResponse{Status: "ok", Tiers: make(map[string]string, len(tiers))}
	for tier, status := range tiers {
		resp.Tiers[string(tier)] = status
		if status != memory.StatusOK {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTurn(c echo.Context) error {
	sessionID := strings.TrimSpace(c.Param("id"))
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid turn request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	switch {
	case sessionID == "":
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	case req.UserID == "":
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	case req.Query == "":
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	case s.config.MaxQueryLength > 0 && len([]rune(req.Query)) > s.config.MaxQueryLength:
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("query exceeds %d characters", s.config.MaxQueryLength))
	}

	resp, err := s.service.ProcessTurn(c.Request().Context(), sessionID, req.UserID, req.Query)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "turn cancelled before completion")
		}
		s.logger.Error("processing turn", zap.String("session.id", sessionID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "turn failed")
	}
	return c.JSON(http.StatusOK, resp)
}

// handleCloseSession closes the session. With ?purge=true the session's
// state and memory are deleted instead.
func (s *Server) handleCloseSession(c echo.Context) error {
	sessionID := c.Param("id")
	purge := false
	if raw := c.QueryParam("purge"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "purge must be a boolean")
		}
		purge = v
	}

	if purge {
		if err := s.service.PurgeSession(c.Request().Context(), sessionID); err != nil {
			s.logger.Error("purging session", zap.String("session.id", sessionID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "purging session failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
	if err := s.service.CloseSession(c.Request().Context(), sessionID); err != nil {
		s.logger.Error("closing session", zap.String("session.id", sessionID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "closing session failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetProfile(c echo.Context) error {
	profile, err := s.service.Profile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.profileError(c.Param("id"), err)
	}
	return c.JSON(http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(c echo.Context) error {
	userID := strings.TrimSpace(c.Param("id"))
	var req ProfileRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid profile request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fields is required")
	}

	profile, err := s.service.UpdateProfile(c.Request().Context(), userID, req.Fields)
	if err != nil {
		return s.profileError(userID, err)
	}
	return c.JSON(http.StatusOK, profile)
}

func (s *Server) profileError(userID string, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidProfile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, memory.ErrTierUnavailable):
		s.logger.Warn("user tier unavailable", zap.String("user.id", userID), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "user profile store unavailable")
	default:
		s.logger.Error("profile request", zap.String("user.id", userID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "profile request failed")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
