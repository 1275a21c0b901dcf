// Package firecrawl implements monitor.ScrapeProvider over the Firecrawl HTTP
// API.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	// DefaultBaseURL is the hosted API endpoint.
	DefaultBaseURL = "https://api.firecrawl.dev"
	providerName   = "firecrawl"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the scrape and crawl endpoints.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("firecrawl"),
	}
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats,omitempty"`
}

type crawlRequest struct {
	URL           string        `json:"url"`
	Limit         int           `json:"limit,omitempty"`
	MaxDepth      int           `json:"maxDepth,omitempty"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type scrapeOptions struct {
	Formats []string `json:"formats,omitempty"`
}

type page struct {
	Markdown string   `json:"markdown"`
	Links    []string `json:"links"`
	Metadata struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		OGImage     string `json:"ogImage"`
		SourceURL   string `json:"sourceURL"`
		URL         string `json:"url"`
		StatusCode  int    `json:"statusCode"`
	} `json:"metadata"`
	ChangeTracking *struct {
		PreviousScrapeAt *time.Time `json:"previousScrapeAt"`
		ChangeStatus     string     `json:"changeStatus"`
		Visibility       string     `json:"visibility"`
		Diff             *struct {
			Text string          `json:"text"`
			JSON json.RawMessage `json:"json"`
		} `json:"diff"`
	} `json:"changeTracking"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    *page  `json:"data"`
}

type crawlResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	ID      string `json:"id"`
}

type crawlStatusResponse struct {
	Status string  `json:"status"`
	Total  int     `json:"total"`
	Error  string  `json:"error"`
	Data   []*page `json:"data"`
}

// Scrape fetches one page.
func (c *Client) Scrape(ctx context.Context, url string, opts monitor.ScrapeOptions) (monitor.ScrapeResult, error) {
	ctx, span := otel.Tracer("pagewatch/firecrawl").Start(ctx, "firecrawl.scrape")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	var resp scrapeResponse
	err := c.do(ctx, http.MethodPost, "/v1/scrape", scrapeRequest{URL: url, Formats: opts.Formats}, &resp)
	if err == nil && (!resp.Success || resp.Data == nil) {
		err = fmt.Errorf("scrape %s: %w: %s", url, monitor.ErrInvalidProviderResponse, resp.Error)
	}
	metrics.ObserveScrape(providerName, "scrape", err)
	if err != nil {
		span.RecordError(err)
		return monitor.ScrapeResult{}, err
	}
	result := resp.Data.toResult(url)
	if err := result.Validate(); err != nil {
		return monitor.ScrapeResult{}, err
	}
	return result, nil
}

// SubmitCrawl starts an asynchronous crawl and returns its job id.
func (c *Client) SubmitCrawl(ctx context.Context, url string, opts monitor.CrawlOptions) (monitor.CrawlSubmission, error) {
	ctx, span := otel.Tracer("pagewatch/firecrawl").Start(ctx, "firecrawl.crawl")
	defer span.End()

	body := crawlRequest{
		URL:           url,
		Limit:         opts.Limit,
		MaxDepth:      opts.Depth,
		ScrapeOptions: scrapeOptions{Formats: opts.Formats},
	}
	var resp crawlResponse
	err := c.do(ctx, http.MethodPost, "/v1/crawl", body, &resp)
	if err == nil && !resp.Success {
		err = fmt.Errorf("submit crawl %s: %w: %s", url, monitor.ErrInvalidProviderResponse, resp.Error)
	}
	metrics.ObserveScrape(providerName, "crawl", err)
	if err != nil {
		span.RecordError(err)
		return monitor.CrawlSubmission{}, err
	}
	sub := monitor.CrawlSubmission{JobID: resp.ID}
	if err := sub.Validate(); err != nil {
		return monitor.CrawlSubmission{}, err
	}
	c.logger.Debug("crawl submitted", zap.String("url", url), zap.String("job_id", resp.ID))
	return sub, nil
}

// CrawlStatus polls a crawl job.
func (c *Client) CrawlStatus(ctx context.Context, jobID string) (monitor.CrawlStatus, error) {
	var resp crawlStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/crawl/"+jobID, nil, &resp)
	metrics.ObserveScrape(providerName, "status", err)
	if err != nil {
		return monitor.CrawlStatus{}, err
	}
	status := monitor.CrawlStatus{Status: resp.Status, Error: resp.Error, Total: resp.Total}
	if resp.Data != nil {
		status.Data = make([]monitor.ScrapeResult, 0, len(resp.Data))
		for _, p := range resp.Data {
			if p == nil {
				continue
			}
			status.Data = append(status.Data, p.toResult(""))
		}
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("failed to close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (p *page) toResult(fallbackURL string) monitor.ScrapeResult {
	url := p.Metadata.SourceURL
	if url == "" {
		url = p.Metadata.URL
	}
	if url == "" {
		url = fallbackURL
	}
	result := monitor.ScrapeResult{
		URL:      url,
		Markdown: p.Markdown,
		Links:    p.Links,
		Metadata: monitor.PageMetadata{
			Title:       p.Metadata.Title,
			Description: p.Metadata.Description,
			Image:       p.Metadata.OGImage,
			StatusCode:  p.Metadata.StatusCode,
		},
	}
	if ct := p.ChangeTracking; ct != nil {
		result.Tracking = monitor.ChangeTracking{
			Status:           monitor.ChangeStatus(ct.ChangeStatus),
			Visibility:       monitor.Visibility(ct.Visibility),
			PreviousScrapeAt: ct.PreviousScrapeAt,
		}
		if ct.Diff != nil {
			result.Tracking.Diff = &monitor.Diff{Text: ct.Diff.Text, JSON: ct.Diff.JSON}
		}
	}
	return result
}
