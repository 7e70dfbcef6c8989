// Package metrics exposes Prometheus instrumentation for the snapshot
// pipeline, the cache sweeper and the HTTP host.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/charsnap/pkg/cache"
)

const namespace = "charsnap"

// Recorder holds every collector. It implements snapshot.Observer.
type Recorder struct {
	// Counter: cache lookups by result (hit or miss).
	CacheLookupsTotal *prometheus.CounterVec

	// Histogram: duration of each pipeline stage in seconds.
	StageSeconds *prometheus.HistogramVec

	// Counter: pipeline failures by kind and stage.
	FailuresTotal *prometheus.CounterVec

	// Counter: files removed by the sweeper.
	EvictedTotal prometheus.Counter

	// Counter: sweeps by outcome.
	SweepsTotal *prometheus.CounterVec

	// Histogram: HTTP request latency in seconds.
	HTTPLatencySeconds *prometheus.HistogramVec
}

// NewRecorder creates unregistered collectors.
func NewRecorder() *Recorder {
	return &Recorder{
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of snapshot cache lookups.",
			},
			[]string{"result"},
		),
		StageSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of snapshot pipeline stages in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"stage"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Total number of snapshot pipeline failures.",
			},
			[]string{"kind", "stage"},
		),
		EvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evicted_total",
				Help:      "Total number of expired snapshots removed.",
			},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sweeps_total",
				Help:      "Total number of cache sweeps.",
			},
			[]string{"result"},
		),
		HTTPLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_latency_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"route", "method", "status_code"},
		),
	}
}

// Register registers every collector with reg.
func (m *Recorder) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.CacheLookupsTotal,
		m.StageSeconds,
		m.FailuresTotal,
		m.EvictedTotal,
		m.SweepsTotal,
		m.HTTPLatencySeconds,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CacheResult counts a cache lookup.
func (m *Recorder) CacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// StageCompleted observes a successful stage.
func (m *Recorder) StageCompleted(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// Failed counts a pipeline failure.
func (m *Recorder) Failed(kind, stage string) {
	m.FailuresTotal.WithLabelValues(kind, stage).Inc()
}

// ObserveSweep records one sweeper pass; use it as cache.Sweeper.OnSweep.
func (m *Recorder) ObserveSweep(stats cache.EvictStats, err error) {
	if err != nil {
		m.SweepsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SweepsTotal.WithLabelValues("ok").Inc()
	m.EvictedTotal.Add(float64(stats.Removed))
}

// Middleware measures latency for each HTTP request, labelled by route
// pattern rather than raw path.
func (m *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.HTTPLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
