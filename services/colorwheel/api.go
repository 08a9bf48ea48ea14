package colorwheel

import (
	"net/http"

	"github.com/R3E-Network/colorwheel/internal/middleware"
)

// =============================================================================
// API Routes
// =============================================================================

// registerRoutes registers the HTTP routes. Tracing, panic recovery and CORS
// wrap the router itself so that preflight requests are answered before method
// matching.
func (s *Service) registerRoutes() {
	router := s.router
	router.Use(middleware.MetricsMiddleware(ServiceID, s.metrics))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	color := router.PathPrefix("/color").Subrouter()
	color.Use(s.auth.Handler, s.limiter.Handler)
	color.HandleFunc("/cycle", s.handleCycle).Methods(http.MethodPost)
	color.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)
	color.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
}
