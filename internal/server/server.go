// Package server provides the HTTP API for kioku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/enrichment"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// WatchService manages watched transcript directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Orchestrator is the enrichment surface exposed over HTTP.
type Orchestrator interface {
	EnrichSession(ctx context.Context, sessionID string) (*models.EnrichmentResult, error)
	RecordFeedback(ctx context.Context, messageID, text string) (*models.ValidationUpdate, error)
	ScoreCandidates(ctx context.Context, base []models.BaseResult, query models.QueryContext) ([]models.RelevanceSignal, error)
}

// Queue accepts sessions for background enrichment.
type Queue interface {
	Submit(sessionID string) (bool, error)
	Pending() int
}

// Server is the HTTP server for the kioku API.
type Server struct {
	engine  *search.Engine
	orch    Orchestrator
	queue   Queue
	storage storage.Storage
	vectors vector.Backend
	config  *config.Config
	logger  *zap.Logger
	server  *http.Server

	watch         WatchService
	configPath    string
	watchConfigMu sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithQueue enables asynchronous enrichment requests.
func WithQueue(q Queue) Option {
	return func(s *Server) { s.queue = q }
}

// WithWatch enables the watch directory endpoints. configPath, when set, is
// rewritten after every directory change.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *search.Engine,
	orch Orchestrator,
	store storage.Storage,
	vectors vector.Backend,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:  engine,
		orch:    orch,
		storage: store,
		vectors: vectors,
		config:  cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Queue = (*enrichment.Scheduler)(nil)

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	r.Use(s.requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/score", s.handleScore)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/sessions/{id}/enrich", s.handleEnrichSession)
		r.Get("/sessions/{id}/enrichment", s.handleLastEnrichment)
		r.Get("/messages/{id}/metadata", s.handleGetMetadata)
		r.Get("/status", s.handleStatus)
		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
