// Package api exposes the research workflow over HTTP: the start / approve /
// continue operations, thread status, the SSE progress stream, session
// history, and a health endpoint. Handlers stay thin; all workflow semantics
// live in pkg/workflow and surface here only as results and sentinel errors.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/database"
	"github.com/autoscholar/scholard/pkg/events"
	"github.com/autoscholar/scholard/pkg/models"
	"github.com/autoscholar/scholard/pkg/workflow"
)

// Engine is the slice of the workflow engine the HTTP layer drives.
type Engine interface {
	Start(ctx context.Context, query, language string, sources []models.PaperSource) (*workflow.RunResult, error)
	Approve(ctx context.Context, threadID string, paperIDs []string) (*workflow.RunResult, error)
	Continue(ctx context.Context, threadID, message string) (*workflow.RunResult, *models.ConversationMessage, error)
	Status(ctx context.Context, threadID string) (*workflow.ThreadStatus, error)
	ActiveRuns() int
}

var _ Engine = (*workflow.Engine)(nil)

// SessionLister serves the session history listing.
type SessionLister interface {
	ListSummaries(ctx context.Context, limit int) ([]models.SessionSummary, error)
}

// HealthChecker reports database health for the health endpoint.
// Implemented by database.Client.
type HealthChecker interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// UsageReporter reports process-lifetime LLM usage totals.
// Implemented by store.LLMCallStore.
type UsageReporter interface {
	Totals() models.LLMUsage
}

// Server is the HTTP server for the research API.
type Server struct {
	cfg      *config.Config
	engine   Engine
	sessions SessionLister
	hub      *events.Hub
	db       HealthChecker
	usage    UsageReporter
	logger   *slog.Logger

	router *gin.Engine
	http   *http.Server
}

// NewServer wires the routes and middleware. db and usage may be nil; the
// health endpoint then skips the corresponding check.
func NewServer(
	cfg *config.Config,
	engine Engine,
	sessions SessionLister,
	hub *events.Hub,
	db HealthChecker,
	usage UsageReporter,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		hub:      hub,
		db:       db,
		usage:    usage,
		logger:   slog.With("component", "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	r.GET("/healthz", s.healthHandler)

	research := r.Group("/api/research")
	research.POST("/start", s.startHandler)
	research.POST("/approve", s.approveHandler)
	research.POST("/continue", s.continueHandler)
	research.GET("/status/:thread_id", s.statusHandler)
	research.GET("/stream/:thread_id", s.streamHandler)
	research.GET("/sessions", s.listSessionsHandler)
	research.GET("/sessions/:thread_id", s.sessionDetailHandler)

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
// Returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
