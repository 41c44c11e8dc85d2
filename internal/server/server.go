// Package server exposes the read-only status API. Every endpoint is a
// GET over state the engine already maintains; nothing here can mutate
// the book, the strategy, or the store.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/candidates"
	"github.com/chrysalisfund/chrysalis/internal/engine"
	"github.com/chrysalisfund/chrysalis/internal/orchestrator"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/store"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// Deps are the read paths the API serves from.
type Deps struct {
	Store      *store.Store
	Tracker    *portfolio.Tracker
	Portfolio  *portfolio.Repository
	Strategies *strategy.Repository
	Orch       *orchestrator.Repository
	Candidates *candidates.Manager
	Engine     *engine.Engine
}

// Server is the status HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps
}

// New builds the server on addr. It does not start listening.
func New(addr string, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    log.With().Str("component", "server").Logger(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/portfolio", s.handlePortfolio)
		r.Get("/positions", s.handlePositions)
		r.Get("/trades", s.handleTrades)
		r.Get("/signals", s.handleSignals)
		r.Get("/candidates", s.handleCandidates)
		r.Get("/performance/daily", s.handleDailyPerformance)
		r.Get("/strategy", s.handleStrategy)
		r.Get("/orchestrator/logs", s.handleOrchestratorLogs)
	})
}

// Start listens and serves until Shutdown. Blocks; run on its own
// goroutine.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting status API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down status API")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
