package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ProbesTotal     *prometheus.CounterVec
	ProbeDuration   prometheus.Histogram
	CacheLookups    *prometheus.CounterVec
	PolitenessDelay prometheus.Gauge
	ProbesInFlight  prometheus.Gauge
}

// New registers the metrics on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests independent of the global registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		ProbesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaguecrawl_probes_total",
				Help: "Portal probe attempts by classified outcome.",
			},
			[]string{"outcome"},
		),
		ProbeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leaguecrawl_probe_duration_seconds",
				Help:    "Latency of portal probe attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaguecrawl_cache_lookups_total",
				Help: "Existence cache lookups by result.",
			},
			[]string{"result"}, // hit, miss, expired, error
		),
		PolitenessDelay: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaguecrawl_politeness_delay_seconds",
				Help: "Current minimum spacing between portal requests.",
			},
		),
		ProbesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaguecrawl_probes_in_flight",
				Help: "Portal requests currently outstanding.",
			},
		),
	}
}

func (m *Metrics) ObserveProbe(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(outcome).Inc()
	m.ProbeDuration.Observe(seconds)
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPolitenessDelay(seconds float64) {
	if m == nil {
		return
	}
	m.PolitenessDelay.Set(seconds)
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.ProbesInFlight.Add(delta)
}
