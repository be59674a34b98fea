// Package api implements the HTTP API (C8): the chi router, middleware
// stack, and handlers for the eight endpoints of spec.md §6.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/singleflight"

	"github.com/transcribeflow/dispatchd/internal/api/middleware"
	"github.com/transcribeflow/dispatchd/internal/audio"
	"github.com/transcribeflow/dispatchd/internal/config"
	"github.com/transcribeflow/dispatchd/internal/dispatcher"
	"github.com/transcribeflow/dispatchd/internal/xlog"
)

// Server wires a config Holder, Dispatcher, and audio Streamer into an HTTP
// router.
type Server struct {
	cfgHolder *config.Holder
	dispatch  *dispatcher.Dispatcher
	streamer  *audio.Streamer

	startTime time.Time
	healthSfg singleflight.Group
}

// NewServer constructs a Server.
func NewServer(cfgHolder *config.Holder, dispatch *dispatcher.Dispatcher, streamer *audio.Streamer) *Server {
	return &Server{
		cfgHolder: cfgHolder,
		dispatch:  dispatch,
		streamer:  streamer,
		startTime: time.Now().UTC(),
	}
}

// Router builds the chi router with the full middleware stack applied
// (spec.md §6.3 / SPEC_FULL §6.3).
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders(""))
	r.Use(middleware.OTelHTTP("dispatchd"))
	r.Use(xlog.Middleware())
	r.Use(middleware.Metrics())

	cfg := s.cfgHolder.Get()
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(cfg.APIKey))
		r.Get("/api/health", s.handleHealth)
		r.Post("/api/tasks/request", s.handleRequestTask)
		r.Get("/api/audio/stream/{task_id}/{agent_id}", s.handleAudioStream)
		r.Post("/api/tasks/{task_id}/submit", s.handleSubmit)
		r.Post("/api/tasks/{task_id}/skip", s.handleSkip)
		r.Get("/api/tasks/available/count", s.handleAvailableCount)
		r.Get("/api/agents/{agent_id}/stats", s.handleAgentStats)
		r.Get("/api/stats", s.handleStats)
	})

	r.Handle("/metrics", middleware.PrometheusHandler())
	return r
}
