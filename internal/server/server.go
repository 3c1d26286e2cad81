package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stratadb/strata/internal/engine"
)

// Server is the strata HTTP API server.
type Server struct {
	eng     *engine.Engine
	sched   *engine.Scheduler
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server. sched may be nil when no scheduler is running
// (the cycle endpoint then returns 503).
func New(eng *engine.Engine, sched *engine.Scheduler, version string) *Server {
	s := &Server{
		eng:     eng,
		sched:   sched,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/entries", s.handleSubmit)
		r.Get("/entries/{entryID}", s.handleGetEntry)
		r.Delete("/entries/{entryID}", s.handleDeleteEntry)
		r.Post("/entries/{entryID}/move", s.handleForceMove)
		r.Post("/entries/{entryID}/touch", s.handleTouch)
		r.Get("/entries/{entryID}/decisions", s.handleDecisions)
		r.Get("/entries/{entryID}/lineage", s.handleLineage)
		r.Post("/entries/{entryID}/links", s.handleLink)

		r.Post("/query", s.handleQuery)
		r.Get("/tiers", s.handleTierStatus)
		r.Get("/economics", s.handleTokenEconomics)
		r.Post("/cycle", s.handleRunCycle)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.eng.DB().Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.eng.DB().Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
