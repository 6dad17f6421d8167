// Package api exposes provider, stage, usage and health status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/scheduler"
	"github.com/sells-group/agency-core/internal/store"
)

// Stages is the scheduler surface the API drives. *scheduler.Scheduler
// satisfies it.
type Stages interface {
	Status() []scheduler.StageStatus
	Stage(name string) (scheduler.StageStatus, error)
	RunNow(ctx context.Context, name string) (model.StageRun, error)
	Cancel(ctx context.Context, name string) (model.StageRun, error)
}

// Server holds the API's dependencies.
type Server struct {
	registry *registry.Registry
	breakers *resilience.ProviderBreakers
	stages   Stages
	ledger   *ledger.Ledger
	store    store.Store
	loc      *time.Location
	origins  []string
}

// Options configures NewServer. Breakers may be nil.
type Options struct {
	Registry    *registry.Registry
	Breakers    *resilience.ProviderBreakers
	Stages      Stages
	Ledger      *ledger.Ledger
	Store       store.Store
	Location    *time.Location
	CORSOrigins []string
}

// NewServer builds the API server.
func NewServer(opts Options) *Server {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		registry: opts.Registry,
		breakers: opts.Breakers,
		stages:   opts.Stages,
		ledger:   opts.Ledger,
		store:    opts.Store,
		loc:      loc,
		origins:  opts.CORSOrigins,
	}
}

// Router returns the HTTP handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/snapshots", s.handleSnapshots)

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Get("/{id}", s.handleGetProvider)
		r.Post("/{id}/disable", s.handleDisableProvider)
		r.Post("/{id}/enable", s.handleEnableProvider)
	})

	r.Route("/stages", func(r chi.Router) {
		r.Get("/", s.handleListStages)
		r.Get("/{name}", s.handleGetStage)
		r.Get("/{name}/runs", s.handleStageRuns)
		r.Post("/{name}/run-now", s.handleRunNow)
		r.Post("/{name}/cancel", s.handleCancel)
	})

	r.Get("/usage", s.handleUsage)
	r.Get("/usage/summary", s.handleUsageSummary)

	return r
}

// requestLogger logs each request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
