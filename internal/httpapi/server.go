// Package httpapi exposes the Oracle query orchestrator and its
// collaborators over HTTP: an SSE stream for query() and JSON CRUD for
// context trees and threads. Grounded on the echo server-construction
// conventions surveyed in the example pack's evalgo-org-eve http
// package, layered over the teacher's slog-based logging.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/oraclecore/oracle/internal/oracle"
	"github.com/oraclecore/oracle/internal/oracle/contexttree"
	"github.com/oraclecore/oracle/internal/store"
)

// Server bridges HTTP callers to the Oracle orchestrator.
type Server struct {
	echo    *echo.Echo
	orch    *oracle.Orchestrator
	trees   *contexttree.Manager
	threads store.MetadataStore
	logger  *slog.Logger
}

// Config controls listen address and timeouts.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig mirrors the example pack's echo server defaults, with a
// longer write timeout since query responses stream.
func DefaultConfig() Config {
	return Config{
		Port:            8766,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // SSE streams must not be cut off by a fixed write deadline
		ShutdownTimeout: 10 * time.Second,
	}
}

// New builds a Server and registers its routes.
func New(orch *oracle.Orchestrator, trees *contexttree.Manager, threads store.MetadataStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))

	s := &Server{echo: e, orch: orch, trees: trees, threads: threads, logger: logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.echo.Group("/v1")

	v1.GET("/healthz", s.handleHealth)
	v1.POST("/query", s.handleQuery)

	v1.GET("/projects/:project_id/context-trees", s.handleListTrees)
	v1.POST("/projects/:project_id/context-trees", s.handleCreateTree)
	v1.GET("/context-trees/:tree_id", s.handleGetTree)
	v1.DELETE("/context-trees/:tree_id", s.handleDeleteTree)
	v1.POST("/context-trees/:tree_id/active", s.handleSetActiveTree)
	v1.POST("/context-trees/:tree_id/checkout/:node_id", s.handleCheckout)
	v1.POST("/context-trees/:tree_id/prune", s.handlePrune)

	v1.GET("/projects/:project_id/threads", s.handleListThreads)
	v1.GET("/threads/:thread_id/nodes", s.handleThreadNodes)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully within cfg.ShutdownTimeout.
func (s *Server) Start(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("httpapi listening", "addr", srv.Addr)
		errCh <- s.echo.StartServer(srv)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("httpapi shutting down")
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
