// Package local implements monitor.ScrapeProvider in-process with colly. It
// serves static HTML only and completes crawls synchronously, so it suits
// self-hosting and development.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const providerName = "local"

// ErrNoAsyncJobs is returned by CrawlStatus; crawls complete inline.
var ErrNoAsyncJobs = errors.New("local provider has no asynchronous crawl jobs")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Provider scrapes pages with a fresh colly collector per call.
type Provider struct {
	cfg       Config
	transport http.RoundTripper
	md        *converter.Converter
	logger    *zap.Logger
}

// New builds a Provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger = logger.Named("local_scrape")
	return &Provider{
		cfg:       cfg,
		transport: &robotsTransport{base: newHTTPTransport(), logger: logger},
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Scrape fetches a single page. Change tracking is left empty; the classifier
// derives the state from stored history.
func (p *Provider) Scrape(ctx context.Context, rawURL string, _ monitor.ScrapeOptions) (monitor.ScrapeResult, error) {
	pages, err := p.collect(ctx, rawURL, 0, 1)
	if err == nil && len(pages) == 0 {
		err = fmt.Errorf("scrape %s: no html response", rawURL)
	}
	metrics.ObserveScrape(providerName, "scrape", err)
	if err != nil {
		return monitor.ScrapeResult{}, err
	}
	return pages[0], nil
}

// SubmitCrawl crawls same-host links up to opts.Depth hops and opts.Limit
// pages and returns the pages inline.
func (p *Provider) SubmitCrawl(ctx context.Context, rawURL string, opts monitor.CrawlOptions) (monitor.CrawlSubmission, error) {
	pages, err := p.collect(ctx, rawURL, opts.Depth, opts.Limit)
	metrics.ObserveScrape(providerName, "crawl", err)
	if err != nil {
		return monitor.CrawlSubmission{}, err
	}
	return monitor.CrawlSubmission{Pages: pages}, nil
}

// CrawlStatus always fails.
func (p *Provider) CrawlStatus(context.Context, string) (monitor.CrawlStatus, error) {
	return monitor.CrawlStatus{}, ErrNoAsyncJobs
}

type collection struct {
	mu      sync.Mutex
	pages   []monitor.ScrapeResult
	rootErr error
}

func (p *Provider) collect(ctx context.Context, rawURL string, depth, limit int) ([]monitor.ScrapeResult, error) {
	root, err := url.Parse(rawURL)
	if err != nil || root.Hostname() == "" {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, monitor.ErrInvalidTarget)
	}

	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowedDomains(root.Hostname()),
		colly.MaxDepth(depth + 1),
	}
	if p.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(p.cfg.UserAgent))
	}
	if limit > 0 {
		opts = append(opts, colly.MaxRequests(uint32(limit)))
	}
	collector := colly.NewCollector(opts...)
	collector.AllowURLRevisit = false
	collector.IgnoreRobotsTxt = !p.cfg.RespectRobots
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.WithTransport(p.transport)

	out := &collection{}
	collector.OnResponse(func(r *colly.Response) {
		if !isHTML(r) {
			return
		}
		page, links, err := p.toResult(r)
		if err != nil {
			p.logger.Warn("skipping page", zap.String("url", r.Request.URL.String()), zap.Error(err))
			return
		}
		out.mu.Lock()
		out.pages = append(out.pages, page)
		out.mu.Unlock()
		if depth == 0 {
			return
		}
		for _, link := range links {
			// Off-host, over-depth and over-limit visits are refused by the collector.
			_ = r.Request.Visit(link)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r.Request.Depth <= 1 {
			out.mu.Lock()
			out.rootErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			out.mu.Unlock()
			return
		}
		p.logger.Debug("page failed", zap.String("url", r.Request.URL.String()), zap.Int("status_code", r.StatusCode), zap.Error(err))
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(root.String())
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", rawURL, err)
		}
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.rootErr != nil {
		return nil, fmt.Errorf("visit %s: %w", rawURL, out.rootErr)
	}
	pages := make([]monitor.ScrapeResult, len(out.pages))
	copy(pages, out.pages)
	return pages, nil
}

func (p *Provider) toResult(r *colly.Response) (monitor.ScrapeResult, []string, error) {
	pageURL := r.Request.URL.String()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return monitor.ScrapeResult{}, nil, fmt.Errorf("parse html: %w", err)
	}
	md, err := p.md.ConvertString(string(r.Body), converter.WithDomain(pageURL))
	if err != nil {
		return monitor.ScrapeResult{}, nil, fmt.Errorf("convert markdown: %w", err)
	}

	links := extractLinks(doc, r.Request)
	image, _ := doc.Find(`meta[property="og:image"]`).Attr("content")
	if image != "" {
		image = r.Request.AbsoluteURL(image)
	}
	description, _ := doc.Find(`meta[name="description"]`).Attr("content")
	return monitor.ScrapeResult{
		URL:      pageURL,
		Markdown: strings.TrimSpace(md),
		Links:    links,
		Metadata: monitor.PageMetadata{
			Title:       strings.TrimSpace(doc.Find("title").First().Text()),
			Description: strings.TrimSpace(description),
			Image:       image,
			StatusCode:  r.StatusCode,
		},
	}, links, nil
}

func extractLinks(doc *goquery.Document, req *colly.Request) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := req.AbsoluteURL(href)
		u, err := url.Parse(abs)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		link := u.String()
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func isHTML(r *colly.Response) bool {
	ct := r.Headers.Get("Content-Type")
	return ct == "" || strings.Contains(strings.ToLower(ct), "html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
