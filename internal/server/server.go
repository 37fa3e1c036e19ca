// Package server provides the contentd admin HTTP server: health check,
// Prometheus metrics, and pipeline analytics reports. The workflow API
// proper is served by external layers that consume the engine directly.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/analytics"
)

// Config holds the admin server settings.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Analytics serves pipeline health reports. Satisfied by
// *analytics.Aggregator; nil disables the endpoint.
type Analytics interface {
	GetAnalytics(ctx context.Context, from, to time.Time) (*analytics.Report, error)
}

// Server is the admin HTTP server.
type Server struct {
	cfg       Config
	echo      *echo.Echo
	logger    *zap.Logger
	analytics Analytics
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// New creates the admin server with recovery and request-id middleware, a
// health check at GET /health, Prometheus metrics at GET /metrics, and, when
// an Analytics is provided, pipeline reports at GET /analytics.
func New(cfg Config, agg Analytics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:       cfg,
		echo:      e,
		logger:    logger.Named("server"),
		analytics: agg,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if s.analytics != nil {
		s.echo.GET("/analytics", s.handleAnalytics)
	}
}

// handleAnalytics serves a pipeline health report. Optional from/to query
// parameters are RFC 3339 timestamps bounding workflow creation time.
func (s *Server) handleAnalytics(c echo.Context) error {
	var from, to time.Time
	var err error

	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from timestamp")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to timestamp")
		}
	}

	report, err := s.analytics.GetAnalytics(c.Request().Context(), from, to)
	if err != nil {
		s.logger.Error("analytics report failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build report")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "contentd",
	})
}

// Handler returns the underlying http.Handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout. Returns nil on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down admin server")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
