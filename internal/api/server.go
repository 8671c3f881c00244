package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/marcusgoll/sentinel-equity/internal/health"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the bot process's thin operational HTTP surface: health,
// metrics, circuit-breaker state, and the /ws/events tail. It is not a
// trading API; spec.md's non-goals exclude one, but a long-running process
// still needs to be observable.
//
// Grounded on the teacher's internal/api/server.go Server/Router/Start/Stop
// shape, trimmed from its full PhD REST surface down to this four-route
// operability set.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	log        *zap.Logger
}

// Handler returns the server's route handler, for tests that want an
// httptest.Server without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Deps are the components the operability surface reports on.
type Deps struct {
	Breaker *retry.CircuitBreaker
	Health  *health.Monitor
	Hub     *Hub
}

// NewServer builds the router and binds it to addr (not listening yet).
func NewServer(addr string, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler(deps.Health)).Methods(http.MethodGet)
	r.HandleFunc("/state/circuit-breaker", circuitBreakerHandler(deps.Breaker)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if deps.Hub != nil {
		r.HandleFunc("/ws/events", deps.Hub.ServeWS)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: handler},
		hub:        deps.Hub,
		log:        log.Named("api"),
	}
}

// Start serves until Stop is called, returning http.ErrServerClosed on a
// clean shutdown.
func (s *Server) Start() error {
	s.log.Info("operability surface listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthzHandler(mon *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mon == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		status := mon.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.IsHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	}
}

func circuitBreakerHandler(breaker *retry.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if breaker == nil {
			json.NewEncoder(w).Encode(map[string]any{"active": false})
			return
		}
		json.NewEncoder(w).Encode(breaker.State())
	}
}
