// Package metrics exposes Prometheus collectors for the harvester service.
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
	harvesterJobsTotal           *prometheus.CounterVec
	harvesterPagesFetchedTotal   *prometheus.CounterVec
	harvesterChallengesTotal     prometheus.Counter
	harvesterRecordsParsedTotal  *prometheus.CounterVec
	harvesterEnrichmentsTotal    prometheus.Counter
	harvesterAccountsInCooldown  prometheus.Gauge
	harvesterFetchDurationSecond *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of jobs finishing a stage, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		harvesterPagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_fetched_total",
				Help: "Total number of page fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvesterChallengesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_challenges_detected_total",
				Help: "Total number of anti-detection challenges encountered.",
			},
		)

		harvesterRecordsParsedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_parsed_total",
				Help: "Total number of snapshots parsed, labeled by page type and outcome.",
			},
			[]string{"page_type", "outcome"},
		)

		harvesterEnrichmentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_enrichment_jobs_total",
				Help: "Total number of child jobs spawned by enrichment.",
			},
		)

		harvesterAccountsInCooldown = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_accounts_in_cooldown",
				Help: "Number of accounts currently sitting out a cooldown window.",
			},
		)

		harvesterFetchDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of per-URL navigation latencies, labeled by page type.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"page_type"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob counts one job finishing a stage with the given status.
func ObserveJob(stage, status string) {
	harvesterJobsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveFetch counts one page fetch attempt and its navigation latency.
func ObserveFetch(pageType, outcome string, duration time.Duration) {
	harvesterPagesFetchedTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		harvesterFetchDurationSecond.WithLabelValues(pageType).Observe(duration.Seconds())
	}
}

// ObserveChallenge counts one anti-detection challenge.
func ObserveChallenge() {
	harvesterChallengesTotal.Inc()
}

// ObserveParse counts one snapshot parse attempt.
func ObserveParse(pageType, outcome string) {
	harvesterRecordsParsedTotal.WithLabelValues(pageType, outcome).Inc()
}

// ObserveEnrichment counts one spawned child job.
func ObserveEnrichment() {
	harvesterEnrichmentsTotal.Inc()
}

// SetAccountsInCooldown records how many accounts are currently cooling down.
func SetAccountsInCooldown(n int) {
	harvesterAccountsInCooldown.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
