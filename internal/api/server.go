// Package api exposes the HTTP interface for the discovery pipeline.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/config"
	"github.com/JakeFAU/product-discovery/internal/metrics"
	"github.com/JakeFAU/product-discovery/internal/orchestrator"
	"github.com/JakeFAU/product-discovery/internal/runs"
)

// Runner executes a whole pipeline run synchronously.
type Runner interface {
	Run(ctx context.Context, req runs.Request) (runs.Result, error)
}

// Submitter queues a pipeline run and returns its id.
type Submitter interface {
	Submit(ctx context.Context, req runs.Request) (string, error)
}

// Services are the stage collaborators behind the routes. Nil stages answer
// 503.
type Services struct {
	Keywords orchestrator.KeywordSource
	Search   orchestrator.ProductSearcher
	Matcher  orchestrator.Matcher
	Ranker   orchestrator.Ranker
	Detail   orchestrator.DetailCrawler
	Uploader orchestrator.ImageUploader
	Content  orchestrator.ContentGenerator
	Runner   Runner
	Async    Submitter
	Runs     runs.Store
	// Ready reports downstream readiness for /readyz.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the pipeline stages.
type Server struct {
	router chi.Router
	svc    Services
	cfg    config.Config
	logger *zap.Logger
}

const defaultRequestTimeout = 5 * time.Minute

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Services, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	timeout := config.Seconds(cfg.Server.RequestTimeoutSeconds)
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/keywords/search", s.searchKeywords)
		r.Route("/products", func(r chi.Router) {
			r.Post("/search", s.searchProducts)
			r.Post("/match", s.matchProducts)
			r.Post("/similarity", s.selectProduct)
			r.Post("/crawl", s.crawlProduct)
			r.Post("/upload", s.uploadImages)
		})
		r.Post("/blogs/content", s.generateContent)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
