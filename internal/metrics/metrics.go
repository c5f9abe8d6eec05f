// Package metrics exposes Prometheus collectors for the status stream, the
// status publisher, the crawl workers and the HTTP API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	streamsActive           prometheus.Gauge
	streamFramesTotal       *prometheus.CounterVec
	streamMessagesTotal     *prometheus.CounterVec
	aggregatorFlushesTotal  *prometheus.CounterVec
	aggregatorEventsTotal   *prometheus.CounterVec
	statusPublishesTotal    *prometheus.CounterVec
	filterEvaluationsTotal  prometheus.Counter
	crawlerPagesTotal       *prometheus.CounterVec
	crawlerJobsTotal        *prometheus.CounterVec
	crawlerActiveWorkers    prometheus.Gauge
	robotsFallbacksTotal    prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlwatch_streams_active",
			Help: "Number of connected status stream clients.",
		})
		streamFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlwatch_stream_frames_total",
			Help: "Frames written to status stream clients, labeled by kind.",
		}, []string{"kind"})
		streamMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlwatch_stream_messages_total",
			Help: "Pub/sub messages seen by status streams, labeled by outcome.",
		}, []string{"outcome"})
		aggregatorFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlwatch_aggregator_flushes_total",
			Help: "Non-empty aggregator flushes, labeled by trigger.",
		}, []string{"trigger"})
		aggregatorEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlwatch_aggregator_events_total",
			Help: "Events passing through aggregators, labeled by stage.",
		}, []string{"stage"})
		statusPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlwatch_status_publishes_total",
			Help: "Status events published, labeled by event type and outcome.",
		}, []string{"type", "outcome"})
		filterEvaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlwatch_filter_evaluations_total",
			Help: "Filter set evaluations persisted.",
		})
		crawlerPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages crawled, labeled by site and status.",
		}, []string{"site", "status"})
		crawlerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of crawl jobs finished, labeled by final state.",
		}, []string{"state"})
		crawlerActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a job.",
		})
		robotsFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_robots_fallbacks_total",
			Help: "robots.txt fetches that timed out and fell back to allow-all.",
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSecs = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StreamOpened marks a client connecting to a status stream.
func StreamOpened() {
	Init()
	streamsActive.Inc()
}

// StreamClosed marks a client leaving a status stream.
func StreamClosed() {
	Init()
	streamsActive.Dec()
}

// ObserveFrame counts one frame written to a stream client.
func ObserveFrame(kind string) {
	Init()
	streamFramesTotal.WithLabelValues(kind).Inc()
}

// ObserveStreamMessage counts one pub/sub message by outcome
// (accepted, control, undecodable).
func ObserveStreamMessage(outcome string) {
	Init()
	streamMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObservePublish counts one status publish.
func ObservePublish(eventType string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	statusPublishesTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveFilterEvaluation counts one persisted evaluation.
func ObserveFilterEvaluation() {
	Init()
	filterEvaluationsTotal.Inc()
}

// ObserveCrawl increments the crawled page counter.
func ObserveCrawl(site string, status int) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), strconv.Itoa(status)).Inc()
}

// ObserveJob increments the job counter for the given final state.
func ObserveJob(state string) {
	Init()
	crawlerJobsTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRobotsFallback counts one robots.txt allow-all fallback.
func ObserveRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
