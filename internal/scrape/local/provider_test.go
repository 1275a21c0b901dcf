package local

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(title, body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, `<html><head><title>%s</title>
<meta name="description" content="about %s">
<meta property="og:image" content="/img/%s.png">
</head><body>%s</body></html>`, title, title, title, body)
		}
	}
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/{$}", page("Home", `<h1>Hello</h1><a href="/a">A</a> <a href="/b#top">B</a> <a href="/private">P</a> <a href="https://elsewhere.example/">X</a> <a href="mailto:x@example.com">M</a>`))
	mux.HandleFunc("/a", page("A", `<p>alpha</p><a href="/c">C</a>`))
	mux.HandleFunc("/b", page("B", `<p>beta</p>`))
	mux.HandleFunc("/c", page("C", `<p>gamma</p>`))
	mux.HandleFunc("/private", page("Private", `<p>secret</p>`))
	mux.HandleFunc("/missing", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func urls(pages []monitor.ScrapeResult) []string {
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.URL)
	}
	sort.Strings(out)
	return out
}

func TestScrapeSinglePage(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{UserAgent: "pagewatch-test"}, nil)

	res, err := p.Scrape(context.Background(), srv.URL+"/", monitor.ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/", res.URL)
	require.Contains(t, res.Markdown, "# Hello")
	require.Equal(t, "Home", res.Metadata.Title)
	require.Equal(t, "about Home", res.Metadata.Description)
	require.Equal(t, srv.URL+"/img/Home.png", res.Metadata.Image)
	require.Equal(t, http.StatusOK, res.Metadata.StatusCode)
	require.Contains(t, res.Links, srv.URL+"/a")
	require.Contains(t, res.Links, srv.URL+"/b", "fragments are stripped")
	require.NotContains(t, res.Links, "mailto:x@example.com")
	require.Empty(t, res.Tracking.Status)
	require.NoError(t, res.Validate())
}

func TestScrapeRepeatable(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{}, nil)
	for i := 0; i < 2; i++ {
		_, err := p.Scrape(context.Background(), srv.URL+"/b", monitor.ScrapeOptions{})
		require.NoError(t, err)
	}
}

func TestScrapeErrors(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{}, nil)

	_, err := p.Scrape(context.Background(), srv.URL+"/missing", monitor.ScrapeOptions{})
	require.Error(t, err)

	_, err = p.Scrape(context.Background(), "not a url", monitor.ScrapeOptions{})
	require.ErrorIs(t, err, monitor.ErrInvalidTarget)
}

func TestSubmitCrawlRespectsDepth(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{}, nil)

	sub, err := p.SubmitCrawl(context.Background(), srv.URL+"/", monitor.CrawlOptions{Depth: 1, Limit: 10})
	require.NoError(t, err)
	require.True(t, sub.Inline())
	require.NoError(t, sub.Validate())
	require.Equal(t, []string{srv.URL + "/", srv.URL + "/a", srv.URL + "/b", srv.URL + "/private"}, urls(sub.Pages))

	sub, err = p.SubmitCrawl(context.Background(), srv.URL+"/", monitor.CrawlOptions{Depth: 2, Limit: 10})
	require.NoError(t, err)
	require.Contains(t, urls(sub.Pages), srv.URL+"/c")
}

func TestSubmitCrawlRespectsLimitAndRobots(t *testing.T) {
	t.Parallel()

	srv := newSite(t)

	sub, err := New(Config{}, nil).SubmitCrawl(context.Background(), srv.URL+"/", monitor.CrawlOptions{Depth: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, sub.Pages, 2)

	sub, err = New(Config{RespectRobots: true}, nil).SubmitCrawl(context.Background(), srv.URL+"/", monitor.CrawlOptions{Depth: 1, Limit: 10})
	require.NoError(t, err)
	require.NotContains(t, urls(sub.Pages), srv.URL+"/private")
}

func TestCrawlStatusUnsupported(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil).CrawlStatus(context.Background(), "job")
	require.ErrorIs(t, err, ErrNoAsyncJobs)
}
