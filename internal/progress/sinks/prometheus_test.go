package sinks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TargetID: "t1", SessionID: "s1", TS: now, Stage: progress.StageCrawlStart},
		{TargetID: "t1", SessionID: "s1", TS: now, Stage: progress.StageCrawlPoll, Attempt: 1},
		{TargetID: "t1", SessionID: "s1", TS: now, Stage: progress.StageCrawlDone, Dur: 30 * time.Second, Pages: 3},
		{TargetID: "t1", TS: now, Stage: progress.StageCheckDone, ChangeStatus: monitor.StatusChanged, Dur: time.Second},
		{TargetID: "t1", TS: now, Stage: progress.StageCheckError},
		{TargetID: "t1", RecordID: "r1", TS: now, Stage: progress.StageNotifySent, Channel: monitor.ChannelWebhook, StatusCode: 200, Proxied: true},
		{TargetID: "t1", RecordID: "r1", TS: now, Stage: progress.StageNotifyFailed, Channel: monitor.ChannelEmail},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlPolls))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.checks.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.checks.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.changes.WithLabelValues("changed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.notifications.WithLabelValues("webhook", "sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.notifications.WithLabelValues("email", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.webhookResponses.WithLabelValues("2xx", "proxy")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.crawlRuntime, "pagewatch_crawl_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

type fixedStats struct {
	dropped, sinkErrors int64
}

func (s fixedStats) Dropped() int64    { return s.dropped }
func (s fixedStats) SinkErrors() int64 { return s.sinkErrors }

func TestRegisterHubStats(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterHubStats(reg, fixedStats{dropped: 3, sinkErrors: 1}))

	expected := `
# HELP pagewatch_progress_events_dropped_total Pipeline events discarded because the hub buffer was full.
# TYPE pagewatch_progress_events_dropped_total counter
pagewatch_progress_events_dropped_total 3
# HELP pagewatch_progress_sink_errors_total Failed sink Consume calls.
# TYPE pagewatch_progress_sink_errors_total counter
pagewatch_progress_sink_errors_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pagewatch_progress_events_dropped_total", "pagewatch_progress_sink_errors_total"))

	require.Error(t, RegisterHubStats(reg, fixedStats{}))
}
