package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Output formats requested from the scraping provider.
const (
	FormatMarkdown    = "markdown"
	FormatLinks       = "links"
	FormatChangeTrack = "changeTracking"
)

// ScrapeOptions configures a single-page scrape.
type ScrapeOptions struct {
	Formats []string
}

// ChangeTracking is the provider's own verdict on a page, when it has one.
type ChangeTracking struct {
	// Status is the upstream hint: new, same, changed or removed. Empty when absent.
	Status     ChangeStatus
	Visibility Visibility
	Diff       *Diff
	// PreviousScrapeAt is the provider's record of the prior scrape.
	PreviousScrapeAt *time.Time
}

// ScrapeResult is one scraped page as returned by a provider.
type ScrapeResult struct {
	URL      string
	Markdown string
	Links    []string
	Metadata PageMetadata
	Tracking ChangeTracking
}

// Validate checks the fields the pipeline depends on.
func (r ScrapeResult) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("scrape result: %w: url is empty", ErrInvalidProviderResponse)
	}
	switch r.Tracking.Status {
	case "", StatusNew, StatusSame, StatusChanged, StatusRemoved:
	default:
		return fmt.Errorf("scrape result: %w: unknown change status %q", ErrInvalidProviderResponse, r.Tracking.Status)
	}
	return nil
}

// CrawlOptions configures a crawl submission.
type CrawlOptions struct {
	Limit   int
	Depth   int
	Formats []string
}

// CrawlSubmission is the provider's answer to a crawl request: either a job to
// poll or the pages themselves.
type CrawlSubmission struct {
	JobID string
	Pages []ScrapeResult
}

// Inline reports whether the provider completed the crawl synchronously.
func (s CrawlSubmission) Inline() bool {
	return s.JobID == "" && s.Pages != nil
}

// Validate enforces that exactly one of JobID and Pages is set.
func (s CrawlSubmission) Validate() error {
	if s.JobID == "" && s.Pages == nil {
		return fmt.Errorf("crawl submission: %w: neither job id nor pages", ErrInvalidProviderResponse)
	}
	if s.JobID != "" && s.Pages != nil {
		return fmt.Errorf("crawl submission: %w: both job id and pages", ErrInvalidProviderResponse)
	}
	return nil
}

// CrawlStatus is a snapshot of an asynchronous crawl job.
type CrawlStatus struct {
	// Status is the provider's job status, e.g. scraping, completed, failed.
	Status string
	Error  string
	Data   []ScrapeResult
	Total  int
}

// Completed reports whether the job finished with data.
func (s CrawlStatus) Completed() bool {
	return s.Status == "completed" && s.Data != nil
}

// Failed reports whether the provider reported the job as failed.
func (s CrawlStatus) Failed() bool {
	return s.Status == "failed" || s.Status == "error"
}

// Score is a meaningfulness verdict from the scorer.
type Score struct {
	Score     int
	Reasoning string
	Model     string
}

// Email is a rendered message ready for delivery.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}
