package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/metrics"
	"leadpilot/scraper"
	"leadpilot/services"
	"leadpilot/storage"
)

// FollowUps is the scheduler surface the API needs. Nil disables both calls.
type FollowUps interface {
	Sync(ctx context.Context) error
	CancelFollowUps(ctx context.Context, leadID uuid.UUID) (int, error)
}

type Server struct {
	store        storage.Store
	orchestrator *scraper.Orchestrator
	usage        *services.UsageMeter
	followUps    FollowUps
	logger       *zap.Logger
	router       chi.Router
}

func NewServer(
	cfg config.HTTPConfig,
	store storage.Store,
	orchestrator *scraper.Orchestrator,
	usage *services.UsageMeter,
	followUps FollowUps,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.L()
	}
	s := &Server{
		store:        store,
		orchestrator: orchestrator,
		usage:        usage,
		followUps:    followUps,
		logger:       logger,
	}
	s.router = s.routes(cfg)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(cfg config.HTTPConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/runs", s.handleRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/stream", s.handleRunStream)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Get("/usage", s.handleUsage)

		r.Get("/leads", s.handleListLeads)
		r.Post("/leads/{id}/status", s.handleLeadStatus)
	})
	return r
}
