// Package metrics exposes Prometheus collectors for the pagewatch service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	scheduledTasksTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	taskWaitSeconds            prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec
	scrapeRequestsTotal        *prometheus.CounterVec
	robotsFallbackTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		scheduledTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_scheduled_tasks_total",
				Help: "Total number of scheduled tasks run, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_active_workers",
				Help: "Number of scheduler workers currently running a task.",
			},
		)

		taskWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagewatch_task_queue_wait_seconds",
				Help:    "Time tasks spent queued after their delay elapsed.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_rate_limit_delays_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		scrapeRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_scrape_requests_total",
				Help: "Total scrape provider calls, labeled by provider, operation and result.",
			},
			[]string{"provider", "op", "result"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_robots_fallback_total",
				Help: "Total robots.txt probes answered with the allow-all fallback, labeled by reason.",
			},
			[]string{"reason"},
		)
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask records a finished scheduler task. kind is the task name up to
// its first colon, so per-session names collapse to one label value.
func ObserveTask(name string, wait time.Duration, err error) {
	Init()
	kind, _, _ := strings.Cut(name, ":")
	if kind == "" {
		kind = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	scheduledTasksTotal.WithLabelValues(kind, result).Inc()
	taskWaitSeconds.Observe(wait.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveScrape counts one scrape provider call.
func ObserveScrape(provider, op string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	scrapeRequestsTotal.WithLabelValues(provider, op, result).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// TaskObserver reports scheduler task activity to the collectors above.
type TaskObserver struct{}

// TaskStarted increments the active workers gauge.
func (TaskObserver) TaskStarted(string) {
	IncActiveWorkers()
}

// TaskFinished decrements the gauge and counts the task.
func (TaskObserver) TaskFinished(name string, wait, _ time.Duration, err error) {
	DecActiveWorkers()
	ObserveTask(name, wait, err)
}
