// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	documentsTotal                 *prometheus.CounterVec
	recordsTotal                   *prometheus.CounterVec
	submissionsTotal               *prometheus.CounterVec
	registryRequestsTotal          *prometheus.CounterVec
	registryRequestDurationSeconds *prometheus.HistogramVec
	breakerState                   *prometheus.GaugeVec
	runsTotal                      *prometheus.CounterVec
	pagesTotal                     prometheus.Counter
	politenessDelaySeconds         *prometheus.HistogramVec
	documentExtractionDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "juscash_documents_total",
				Help: "Gazette documents processed, labeled by extraction outcome.",
			},
			[]string{"outcome"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "juscash_records_total",
				Help: "Case records constructed, labeled by validation outcome.",
			},
			[]string{"outcome"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "juscash_submissions_total",
				Help: "Record submissions to the registry, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		registryRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "juscash_registry_requests_total",
				Help: "Registry HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		registryRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "juscash_registry_request_duration_seconds",
				Help:    "Histogram of registry request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "juscash_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open), labeled by breaker name.",
			},
			[]string{"name"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "juscash_runs_total",
				Help: "Ingestion runs finished, labeled by final status.",
			},
			[]string{"status"},
		)

		pagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "juscash_result_pages_total",
				Help: "Search result pages visited.",
			},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "juscash_politeness_delay_seconds",
				Help:    "Histogram of deliberate waits between remote calls, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		documentExtractionDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "juscash_document_extraction_duration_seconds",
				Help:    "Histogram of per-document extraction time, labeled by method.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"method"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDocument records one processed document.
func ObserveDocument(outcome string, duration time.Duration) {
	Init()
	documentsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		documentExtractionDurationSecs.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveRecords adds valid and rejected record counts.
func ObserveRecords(valid, rejected int) {
	Init()
	if valid > 0 {
		recordsTotal.WithLabelValues("valid").Add(float64(valid))
	}
	if rejected > 0 {
		recordsTotal.WithLabelValues("rejected").Add(float64(rejected))
	}
}

// ObserveSubmission increments the submission counter for the given outcome.
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRegistryRequest records one registry round trip. A zero code means no response.
func ObserveRegistryRequest(method, route string, code int, duration time.Duration) {
	Init()
	registryRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	registryRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetBreakerState publishes the numeric state of a named breaker.
func SetBreakerState(name string, state int) {
	Init()
	breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveRun increments the run counter for the given final status.
func ObserveRun(status string) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
}

// IncPages counts one visited result page.
func IncPages() {
	Init()
	pagesTotal.Inc()
}

// ObservePoliteness records a deliberate wait.
func ObservePoliteness(stage string, duration time.Duration) {
	Init()
	politenessDelaySeconds.WithLabelValues(stage).Observe(duration.Seconds())
}
