package engine

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type Server struct {
	engine          *Engine
	router          *mux.Router
	databaseHandler *DatabaseHandlers
	streamHandler   *StreamHandlers
	healthHandler   *HealthHandlers
}

func NewServer(engine *Engine) *Server {
	s := &Server{
		engine:          engine,
		router:          mux.NewRouter(),
		databaseHandler: NewDatabaseHandlers(engine),
		streamHandler:   NewStreamHandlers(engine),
		healthHandler:   NewHealthHandlers(engine),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Router returns the configured HTTP handler
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupMiddleware() {
	// CORS middleware
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Logging middleware
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.engine.logger.Debugf("%s %s completed in %s", r.Method, r.URL.Path, time.Since(start))
		})
	})
}

func (s *Server) setupRoutes() {
	// Health check endpoint (global, no tenant)
	s.router.HandleFunc("/health", s.healthHandler.GetHealth).Methods(http.MethodGet)

	// Query execution and history endpoints. Authorization for the
	// tenant in the path is the upstream gateway's responsibility.
	db := s.router.PathPrefix("/database").Subrouter()
	db.HandleFunc("/validate", s.databaseHandler.ValidateQuery).Methods(http.MethodPost)
	db.HandleFunc("/history/cleanup", s.databaseHandler.CleanupHistory).Methods(http.MethodDelete)
	db.HandleFunc("/{tenant_id}/execute", s.databaseHandler.ExecuteQuery).Methods(http.MethodPost)
	db.HandleFunc("/{tenant_id}/history", s.databaseHandler.GetHistory).Methods(http.MethodGet)
	db.HandleFunc("/{tenant_id}/history/stream", s.streamHandler.StreamHistory).Methods(http.MethodGet)
}
