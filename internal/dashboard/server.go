// Package dashboard serves a read-only JSON view of the monitor: portfolio,
// state files, and alert files. It never mutates anything.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/awray/market_sentry/internal/broker"
	"github.com/awray/market_sentry/internal/state"
)

// Server is the optional status HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     *state.Store
	broker    broker.Broker
	logger    *logrus.Logger
	port      int
	authToken string
}

// Config configures the status server.
type Config struct {
	Port      int
	AuthToken string
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, st *state.Store, b broker.Broker, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		broker:    b,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/portfolio", s.handlePortfolio)
	s.router.Get("/api/state", s.handleState)
	s.router.Get("/api/alerts", s.handleAlerts)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting status server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.broker.GetPortfolio(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch portfolio")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"last_review":    s.store.LastReview(),
		"last_discovery": s.store.LastDiscovery(),
		"prior_close":    s.store.PriorClose(),
		"defensive_mode": s.store.Defensive(),
		"rotation_mode":  s.store.Rotation(),
		"api_health":     s.store.APIHealth(),
		"overnight":      s.store.Overnight(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := make(map[string]any)
	for _, file := range []string{
		state.AlertScheduledReview,
		state.AlertStrategyReview,
		state.AlertDiscovery,
		state.AlertAPIFailure,
		state.AlertFallbackActions,
	} {
		if a, ok := s.store.ReadAlert(file); ok {
			alerts[file] = a
		}
	}
	s.writeJSON(w, alerts)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
