package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/delivery/http/handler"
	"github.com/user/league-discovery/internal/delivery/http/middleware"
	"github.com/user/league-discovery/pkg/metrics"
)

// New builds the read-only audit API. gatherer backs /metrics and is usually
// the registry m was registered on.
func New(h *handler.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealthCheck)

		r.Route("/crawl", func(r chi.Router) {
			r.Get("/sessions", h.HandleListSessions)
			r.Get("/sessions/{id}", h.HandleGetSession)
			r.Get("/logs", h.HandleSearchLogs)
			r.Get("/statistics", h.HandleStatistics)
		})

		r.Get("/leagues", h.HandleListLeagues)
		r.Get("/leagues/status", h.HandleLeagueStatus)
	})

	return r
}
