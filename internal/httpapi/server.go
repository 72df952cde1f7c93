// Package httpapi provides the HTTP API for ragd.
//
// Scope fields travel in headers (X-Tenant-ID, X-Agent-Slug, X-User-ID)
// rather than bodies so every handler builds its scope the same way and a
// missing tenant fails before any store is touched.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/migration"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

// Scope headers.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderAgentSlug = "X-Agent-Slug"
	HeaderUserID    = "X-User-ID"
)

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	engine   *search.Engine
	sessions *session.Manager
	migrator *migration.Coordinator
	chunks   store.ChunkStore
	logger   *logging.Logger
	config   config.ServerConfig
}

// NewServer creates the HTTP server.
func NewServer(
	cfg config.ServerConfig,
	engine *search.Engine,
	sessions *session.Manager,
	migrator *migration.Coordinator,
	chunks store.ChunkStore,
	logger *logging.Logger,
) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if migrator == nil {
		return nil, errors.New("migration coordinator is required")
	}
	if chunks == nil {
		return nil, errors.New("chunk store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8642
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(accessLog(logger))

	s := &Server{
		echo:     e,
		engine:   engine,
		sessions: sessions,
		migrator: migrator,
		chunks:   chunks,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func accessLog(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/search", s.handleSearch)
	v1.POST("/retrieve", s.handleRetrieve)
	v1.POST("/documents", s.handleIngest)
	v1.POST("/assignments", s.handleAssign)
	v1.POST("/turns", s.handleTurn)
	v1.DELETE("/session", s.handleEndSession)
	v1.POST("/migrations", s.handleCreateMigration)
	v1.GET("/migrations/:id", s.handleMigrationStatus)
	v1.DELETE("/migrations/:id", s.handleCancelMigration)
}

// scopeFromHeaders builds the request scope. The user id is optional;
// without it conversation endpoints reject and search skips the
// conversation branch.
func scopeFromHeaders(c echo.Context) (scope.Scope, error) {
	tenantID := c.Request().Header.Get(HeaderTenantID)
	agentSlug := c.Request().Header.Get(HeaderAgentSlug)
	userID := c.Request().Header.Get(HeaderUserID)
	if userID != "" {
		return scope.ForConversation(tenantID, agentSlug, userID)
	}
	return scope.ForDocuments(tenantID, agentSlug)
}

// httpError maps domain errors onto HTTP statuses. Isolation violations
// are 403 and logged loudly; they indicate a caller (or a bug) trying to
// reach across a tenant boundary.
func (s *Server) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, scope.ErrIsolationViolation):
		s.logger.Error(c.Request().Context(), "isolation violation", zap.Error(err))
		return echo.NewHTTPError(http.StatusForbidden, "request scope is invalid")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, migration.ErrMigrationInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, migration.ErrJobTerminal),
		errors.Is(err, migration.ErrInvalidTarget),
		errors.Is(err, session.ErrIncompleteTurn),
		errors.Is(err, store.ErrDimensionMismatch),
		errors.Is(err, store.ErrEmptyBatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request deadline exceeded")
	default:
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
