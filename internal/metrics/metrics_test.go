package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := scheduledTasksTotal
	Init()
	require.Same(t, first, scheduledTasksTotal)
}

func TestObserveTaskCollapsesNames(t *testing.T) {
	Init()
	before := testutil.ToFloat64(scheduledTasksTotal.WithLabelValues("crawl-poll", "error"))
	ObserveTask("crawl-poll:sess-1", time.Millisecond, errors.New("boom"))
	ObserveTask("crawl-poll:sess-2", time.Millisecond, errors.New("boom"))
	require.Equal(t, before+2, testutil.ToFloat64(scheduledTasksTotal.WithLabelValues("crawl-poll", "error")))
}

func TestObserveScrape(t *testing.T) {
	Init()
	before := testutil.ToFloat64(scrapeRequestsTotal.WithLabelValues("local", "scrape", "ok"))
	ObserveScrape("local", "scrape", nil)
	require.Equal(t, before+1, testutil.ToFloat64(scrapeRequestsTotal.WithLabelValues("local", "scrape", "ok")))
}

func TestTaskObserverBalancesGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeWorkers)
	obs := TaskObserver{}
	obs.TaskStarted("teardown:t1")
	require.Equal(t, before+1, testutil.ToFloat64(activeWorkers))
	obs.TaskFinished("teardown:t1", 0, time.Millisecond, nil)
	require.Equal(t, before, testutil.ToFloat64(activeWorkers))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
