// Package httpapi exposes the REST surface described in SPEC_FULL.md
// §6: media upload/list/detail/delete/description-edit, the three
// search modes, and liveness/readiness/metrics endpoints. Modeled on
// the teacher's pkg/server/server.go (Echo setup, standard middleware,
// context-driven graceful Start/Shutdown).
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
	"github.com/fyrsmithlabs/mediavault/internal/ingest"
	"github.com/fyrsmithlabs/mediavault/internal/logging"
	"github.com/fyrsmithlabs/mediavault/internal/registry"
	"github.com/fyrsmithlabs/mediavault/internal/search"
	"github.com/fyrsmithlabs/mediavault/internal/store"
	"github.com/fyrsmithlabs/mediavault/internal/vectorindex"
)

// Config holds the pieces of the global configuration the HTTP layer
// needs, kept narrow rather than threading the whole config.Config
// through for testability.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	JWTSecret       string
	DefaultUser     string
	DefaultPassword string
	MaxFileSize     int64
	CollectionName  string
}

// Server is the HTTP API surface.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	reg    *registry.Registry
	store  *store.Store
	pipe   *ingest.Pipeline
	engine *search.Engine
	index  vectorindex.Client
	tokens *tokenService
	logger *logging.Logger
}

// New builds a Server and registers all routes.
func New(cfg Config, reg *registry.Registry, st *store.Store, pipe *ingest.Pipeline, engine *search.Engine, index vectorindex.Client, logger *logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:    cfg,
		echo:   e,
		reg:    reg,
		store:  st,
		pipe:   pipe,
		engine: engine,
		index:  index,
		tokens: newTokenService(cfg.JWTSecret, cfg.DefaultUser, cfg.DefaultPassword),
		logger: logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/ping", s.handlePing)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/api/v1/auth/token", s.handleIssueToken)

	api := s.echo.Group("/api/v1")
	api.Use(requireBearerToken(s.tokens))

	api.POST("/media/upload", s.handleUpload)
	api.GET("/media/list", s.handleList)
	api.GET("/media/:gmid", s.handleDetail)
	api.DELETE("/media/:gmid", s.handleDelete)
	api.PUT("/media/:gmid/description", s.handleUpdateDescription)

	api.POST("/search/text", s.handleSearchText)
	api.POST("/search/by-image", s.handleSearchByImage)
	api.POST("/search/similar-by-file", s.handleSearchSimilar)
	api.GET("/search/stats", s.handleSearchStats)
}

type pingResponse struct {
	Status string `json:"status"`
}

func (s *Server) handlePing(c echo.Context) error {
	return c.JSON(http.StatusOK, pingResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealth reports readiness: the vector index must answer Health.
func (s *Server) handleHealth(c echo.Context) error {
	if err := s.index.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// Start launches the server and blocks until ctx is canceled, at which
// point it performs a graceful shutdown bounded by ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// writeError maps an apperr-classified error onto the HTTP response.
func writeError(c echo.Context, err error) error {
	classified := apperr.Wrap(err)
	return c.JSON(classified.HTTPStatus(), map[string]string{
		"error": classified.Code,
		"message": classified.Message,
	})
}
