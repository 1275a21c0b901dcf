package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// PrometheusSink exports pipeline metrics via Prometheus. It owns the
// collectors for checks, crawl sessions and notification deliveries.
type PrometheusSink struct {
	checks        *prometheus.CounterVec
	checkDuration prometheus.Histogram
	changes       *prometheus.CounterVec

	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlPolls      prometheus.Counter
	crawlRuntime    *prometheus.HistogramVec

	notifications    *prometheus.CounterVec
	webhookResponses *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_checks_total",
			Help: "Finished target checks partitioned by result.",
		}, []string{"result"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pagewatch_check_duration_seconds",
			Help:    "Wall time of a single-page check including scrape and routing.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_change_records_total",
			Help: "Stored change records partitioned by status.",
		}, []string{"status"}),
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewatch_crawls_started_total",
			Help: "Crawl sessions started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_crawls_completed_total",
			Help: "Crawl sessions finished partitioned by outcome.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagewatch_crawls_running",
			Help: "Crawl sessions currently running.",
		}),
		crawlPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewatch_crawl_polls_total",
			Help: "Crawl job status polls issued.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagewatch_crawl_runtime_seconds",
			Help:    "Wall time per finished crawl session.",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_notifications_total",
			Help: "Notification outcomes partitioned by channel and result.",
		}, []string{"channel", "result"}),
		webhookResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_webhook_responses_total",
			Help: "Webhook responses partitioned by status class and route.",
		}, []string{"status_class", "route"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.checks,
		s.checkDuration,
		s.changes,
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlPolls,
		s.crawlRuntime,
		s.notifications,
		s.webhookResponses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCheckDone:
		s.checks.WithLabelValues("success").Inc()
		s.changes.WithLabelValues(string(evt.ChangeStatus)).Inc()
		if evt.Dur > 0 {
			s.checkDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageCheckError:
		s.checks.WithLabelValues("error").Inc()
	case progress.StageCrawlStart, progress.StageCrawlPoll, progress.StageCrawlDone,
		progress.StageCrawlFailed, progress.StageCrawlTimeout:
		s.handleCrawlEvent(evt)
	case progress.StageNotifySent, progress.StageNotifyFailed, progress.StageNotifySkipped:
		s.handleNotifyEvent(evt)
	}
}

func (s *PrometheusSink) handleCrawlEvent(evt progress.Event) {
	var result string
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.crawlsRunning.Inc()
		}
		return
	case progress.StageCrawlPoll:
		s.crawlPolls.Inc()
		return
	case progress.StageCrawlDone:
		result = "completed"
	case progress.StageCrawlFailed:
		result = "failed"
	case progress.StageCrawlTimeout:
		result = "timed_out"
	}
	s.crawlsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) handleNotifyEvent(evt progress.Event) {
	var result string
	switch evt.Stage {
	case progress.StageNotifySent:
		result = "sent"
	case progress.StageNotifyFailed:
		result = "failed"
	default:
		result = "skipped"
	}
	s.notifications.WithLabelValues(string(evt.Channel), result).Inc()
	if evt.Channel == monitor.ChannelWebhook && evt.Stage != progress.StageNotifySkipped {
		route := "direct"
		if evt.Proxied {
			route = "proxy"
		}
		s.webhookResponses.WithLabelValues(string(progress.ClassifyStatus(evt.StatusCode)), route).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

// HubStats is the health counters a progress hub keeps about itself.
type HubStats interface {
	Dropped() int64
	SinkErrors() int64
}

// RegisterHubStats exports the hub's dropped-event and sink-failure counts.
// Dropped events include delivery records that never reached the store.
func RegisterHubStats(reg prometheus.Registerer, stats HubStats) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, collector := range []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pagewatch_progress_events_dropped_total",
			Help: "Pipeline events discarded because the hub buffer was full.",
		}, func() float64 { return float64(stats.Dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pagewatch_progress_sink_errors_total",
			Help: "Failed sink Consume calls.",
		}, func() float64 { return float64(stats.SinkErrors()) }),
	} {
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("register hub collector: %w", err)
		}
	}
	return nil
}
