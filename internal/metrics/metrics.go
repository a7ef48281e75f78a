// Package metrics exposes Prometheus counters and histograms for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple servers do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inference       prometheus.Histogram
	predictions     *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	cache           *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		inference: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inference_duration_seconds",
				Help:    "Duration of model forward passes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictions_total",
				Help: "Predictions served, by class",
			}, []string{"class"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_downloads_total",
				Help: "Model artifact fetches, by result",
			}, []string{"result"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prediction_cache_lookups_total",
				Help: "Prediction cache lookups, by result",
			}, []string{"result"},
		),
	}
	m.Registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.inference,
		m.predictions,
		m.downloads,
		m.cache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(path, method string, status int, d time.Duration) {
	m.requestCount.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

// ObserveInference records one forward pass.
func (m *Metrics) ObserveInference(d time.Duration) {
	m.inference.Observe(d.Seconds())
}

// CountPrediction records a served prediction.
func (m *Metrics) CountPrediction(class string) {
	m.predictions.WithLabelValues(class).Inc()
}

// CountDownload records a fetch result: "downloaded", "present" or "failed".
func (m *Metrics) CountDownload(result string) {
	m.downloads.WithLabelValues(result).Inc()
}

// CountCache records a cache lookup.
func (m *Metrics) CountCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
