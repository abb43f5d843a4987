package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/store"
)

// Restorer reopens a reclaimed tab. *browser.Gateway satisfies it.
type Restorer interface {
	Restore(ctx context.Context, url, hint string) error
}

// Server is the tabflow HTTP API server.
type Server struct {
	db       *store.DB
	engine   *engine.Engine
	restorer Restorer
	router   chi.Router
	version  string
	started  time.Time
	log      *slog.Logger

	upgrader       websocket.Upgrader
	streamInterval time.Duration
}

// New creates a new Server over the database and engine.
func New(db *store.DB, eng *engine.Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:             db,
		engine:         eng,
		version:        version,
		started:        time.Now(),
		log:            logger,
		streamInterval: 2 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
	s.routes()
	return s
}

// SetRestorer enables history restore. Without one the restore endpoint
// answers 503.
func (s *Server) SetRestorer(r Restorer) {
	s.restorer = r
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

		r.Get("/resources", s.handleListResources)
		r.Get("/resources/{handle}", s.handleGetResource)
		r.Get("/queues", s.handleQueues)
		r.Post("/events", s.handleEvent)
		r.Post("/scores/reset", s.handleResetScores)

		r.Get("/policy", s.handleGetPolicy)
		r.Put("/policy", s.handlePutPolicy)
		r.Post("/policy/preset/{level}", s.handlePreset)

		r.Get("/history", s.handleListHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Delete("/history/{id}", s.handleDeleteHistory)
		r.Post("/history/{id}/restore", s.handleRestoreHistory)

		r.Get("/stream", s.handleStream)
	})

	r.Get("/*", spaHandler())

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.started).Seconds(),
		"db":        dbOK,
		"db_path":   s.db.Path,
		"browser":   s.restorer != nil,
		"resources": len(s.engine.Scores.Handles()),
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
