package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/user/league-discovery/pkg/metrics"
)

// Metrics records request counts and latencies labelled by route pattern, so
// /api/crawl/sessions/{id} is one series however many ids are requested.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if m == nil {
				return
			}

			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			labels := []string{r.Method, path, strconv.Itoa(status)}
			m.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		})
	}
}
