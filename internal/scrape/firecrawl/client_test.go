package firecrawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestScrapeMapsChangeTracking(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/scrape", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req scrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://example.com/pricing", req.URL)
		require.Equal(t, []string{"markdown", "changeTracking"}, req.Formats)

		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"markdown": "# Pricing",
				"metadata": {"title": "Pricing", "sourceURL": "https://example.com/pricing", "statusCode": 200},
				"changeTracking": {
					"previousScrapeAt": "2025-06-01T08:00:00Z",
					"changeStatus": "changed",
					"visibility": "visible",
					"diff": {"text": "-$10\n+$12"}
				}
			}
		}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "secret"}, nil)
	res, err := client.Scrape(context.Background(), "https://example.com/pricing", monitor.ScrapeOptions{
		Formats: []string{monitor.FormatMarkdown, monitor.FormatChangeTrack},
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/pricing", res.URL)
	require.Equal(t, "# Pricing", res.Markdown)
	require.Equal(t, "Pricing", res.Metadata.Title)
	require.Equal(t, 200, res.Metadata.StatusCode)
	require.Equal(t, monitor.StatusChanged, res.Tracking.Status)
	require.Equal(t, monitor.VisibilityVisible, res.Tracking.Visibility)
	require.NotNil(t, res.Tracking.PreviousScrapeAt)
	require.Equal(t, "-$10\n+$12", res.Tracking.Diff.Text)
}

func TestScrapeErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status int
		body   string
		want   string
	}{
		"http error":     {status: http.StatusPaymentRequired, body: `{"error":"quota"}`, want: "status 402"},
		"unsuccessful":   {status: http.StatusOK, body: `{"success":false,"error":"blocked"}`, want: "blocked"},
		"bad status":     {status: http.StatusOK, body: `{"success":true,"data":{"metadata":{"sourceURL":"https://x"},"changeTracking":{"changeStatus":"weird"}}}`, want: "unknown change status"},
		"malformed json": {status: http.StatusOK, body: `{`, want: "decode response"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}, nil).Scrape(context.Background(), "https://x", monitor.ScrapeOptions{})
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestCrawlSubmitAndStatus(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/crawl", func(w http.ResponseWriter, r *http.Request) {
		var req crawlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 25, req.Limit)
		require.Equal(t, 2, req.MaxDepth)
		_, _ = w.Write([]byte(`{"success":true,"id":"job-1"}`))
	})
	mux.HandleFunc("GET /v1/crawl/job-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","total":2,"data":[
			{"markdown":"a","metadata":{"sourceURL":"https://example.com/a"}},
			{"markdown":"b","metadata":{"url":"https://example.com/b"},"changeTracking":{"changeStatus":"new"}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	sub, err := client.SubmitCrawl(context.Background(), "https://example.com", monitor.CrawlOptions{Limit: 25, Depth: 2})
	require.NoError(t, err)
	require.Equal(t, "job-1", sub.JobID)
	require.False(t, sub.Inline())

	status, err := client.CrawlStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, status.Completed())
	require.Len(t, status.Data, 2)
	require.Equal(t, "https://example.com/a", status.Data[0].URL)
	require.Equal(t, "https://example.com/b", status.Data[1].URL)
	require.Equal(t, monitor.StatusNew, status.Data[1].Tracking.Status)
}

func TestCrawlStatusFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"site unreachable"}`))
	}))
	defer srv.Close()

	status, err := New(Config{BaseURL: srv.URL}, nil).CrawlStatus(context.Background(), "job-9")
	require.NoError(t, err)
	require.True(t, status.Failed())
	require.False(t, status.Completed())
	require.Equal(t, "site unreachable", status.Error)
}
