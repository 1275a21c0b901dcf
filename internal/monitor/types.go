// Package monitor defines the domain types and ports shared by the change
// detection and notification pipeline.
package monitor

import (
	"encoding/json"
	"time"
)

// TargetKind distinguishes single-page monitors from full-site crawls.
type TargetKind string

// Target kinds.
const (
	KindSinglePage TargetKind = "single_page"
	KindFullSite   TargetKind = "full_site"
)

// NotificationPreference selects the channels a target notifies on.
type NotificationPreference string

// Notification preferences.
const (
	NotifyNone    NotificationPreference = "none"
	NotifyEmail   NotificationPreference = "email"
	NotifyWebhook NotificationPreference = "webhook"
	NotifyBoth    NotificationPreference = "both"
)

// WantsEmail reports whether the preference includes the email channel.
func (p NotificationPreference) WantsEmail() bool {
	return p == NotifyEmail || p == NotifyBoth
}

// WantsWebhook reports whether the preference includes the webhook channel.
func (p NotificationPreference) WantsWebhook() bool {
	return p == NotifyWebhook || p == NotifyBoth
}

// Target is a URL (or site root) being monitored for changes.
type Target struct {
	ID                     string                 `json:"id"`
	OwnerID                string                 `json:"owner_id" validate:"required"`
	URL                    string                 `json:"url" validate:"required,url"`
	Name                   string                 `json:"name"`
	Kind                   TargetKind             `json:"kind" validate:"oneof=single_page full_site"`
	Active                 bool                   `json:"active"`
	Paused                 bool                   `json:"paused"`
	CheckIntervalMinutes   float64                `json:"check_interval_minutes" validate:"gt=0"`
	NotificationPreference NotificationPreference `json:"notification_preference" validate:"oneof=none email webhook both"`
	WebhookURL             string                 `json:"webhook_url,omitempty"`
	CrawlLimit             int                    `json:"crawl_limit,omitempty" validate:"gte=0"`
	CrawlDepth             int                    `json:"crawl_depth,omitempty" validate:"gte=0"`
	LastCheckedAt          *time.Time             `json:"last_checked_at,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
}

// CheckInterval returns the configured interval as a duration.
func (t Target) CheckInterval() time.Duration {
	return time.Duration(t.CheckIntervalMinutes * float64(time.Minute))
}

// DisplayName returns the target name, falling back to its URL.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.URL
}

// Due reports whether the target should be checked at now.
func (t Target) Due(now time.Time) bool {
	if !t.Active || t.Paused {
		return false
	}
	if t.LastCheckedAt == nil {
		return true
	}
	return !now.Before(t.LastCheckedAt.Add(t.CheckInterval()))
}

// ChangeStatus is the classification of one scrape against its predecessor.
type ChangeStatus string

// Change statuses. StatusChecking marks a placeholder for an in-flight check.
const (
	StatusNew      ChangeStatus = "new"
	StatusSame     ChangeStatus = "same"
	StatusChanged  ChangeStatus = "changed"
	StatusRemoved  ChangeStatus = "removed"
	StatusChecking ChangeStatus = "checking"
)

// Visibility mirrors the upstream visibility hint for a page.
type Visibility string

// Visibility values.
const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

// Diff carries the textual and structured difference against the prior scrape.
type Diff struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// Empty reports whether the diff carries no content.
func (d *Diff) Empty() bool {
	return d == nil || (d.Text == "" && len(d.JSON) == 0)
}

// PageMetadata is the subset of page metadata the pipeline keeps.
type PageMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
}

// ChangeRecord is the persisted result of one scrape of one page.
type ChangeRecord struct {
	ID               string       `json:"id"`
	TargetID         string       `json:"target_id"`
	OwnerID          string       `json:"owner_id"`
	PageURL          string       `json:"page_url"`
	CrawlSessionID   string       `json:"crawl_session_id,omitempty"`
	Content          string       `json:"content,omitempty"`
	ContentHash      string       `json:"content_hash,omitempty"`
	SnapshotURI      string       `json:"snapshot_uri,omitempty"`
	Status           ChangeStatus `json:"status"`
	Visibility       Visibility   `json:"visibility"`
	Diff             *Diff        `json:"diff,omitempty"`
	PreviousScrapeAt *time.Time   `json:"previous_scrape_at,omitempty"`
	ScrapedAt        time.Time    `json:"scraped_at"`
	Metadata         PageMetadata `json:"metadata"`
}

// HasDiff reports whether the record carries a non-empty diff.
func (r ChangeRecord) HasDiff() bool {
	return !r.Diff.Empty()
}

// DiffText returns the textual diff or an empty string.
func (r ChangeRecord) DiffText() string {
	if r.Diff == nil {
		return ""
	}
	return r.Diff.Text
}

// SessionStatus is the coarse status of a crawl session.
type SessionStatus string

// Session statuses.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// CrawlState is the state machine position of a crawl session.
type CrawlState string

// Crawl states. Completed, failed and timed out are terminal.
const (
	StateSubmitting CrawlState = "submitting"
	StatePolling    CrawlState = "polling"
	StateCompleted  CrawlState = "completed"
	StateFailed     CrawlState = "failed"
	StateTimedOut   CrawlState = "timed_out"
)

// Terminal reports whether no further transitions are allowed.
func (s CrawlState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// CrawlSession tracks one asynchronous full-site crawl.
type CrawlSession struct {
	ID           string        `json:"id"`
	TargetID     string        `json:"target_id"`
	OwnerID      string        `json:"owner_id"`
	JobID        string        `json:"job_id,omitempty"`
	Status       SessionStatus `json:"status"`
	State        CrawlState    `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Error        string        `json:"error,omitempty"`
	PagesFound   int           `json:"pages_found"`
	PollAttempts int           `json:"poll_attempts"`
}

// ChangeAlert is a user-facing notice about a changed record.
type ChangeAlert struct {
	ID             string       `json:"id"`
	TargetID       string       `json:"target_id"`
	OwnerID        string       `json:"owner_id"`
	ChangeRecordID string       `json:"change_record_id"`
	ChangeType     ChangeStatus `json:"change_type"`
	Summary        string       `json:"summary"`
	Read           bool         `json:"read"`
	CreatedAt      time.Time    `json:"created_at"`
}

// NotificationPreferences holds owner-level notification settings.
type NotificationPreferences struct {
	OwnerID                 string `json:"owner_id"`
	AIAnalysisEnabled       bool   `json:"ai_analysis_enabled"`
	MeaningfulThreshold     int    `json:"meaningful_threshold" validate:"gte=0,lte=100"`
	EmailOnlyIfMeaningful   bool   `json:"email_only_if_meaningful"`
	WebhookOnlyIfMeaningful bool   `json:"webhook_only_if_meaningful"`
	CustomEmailTemplate     string `json:"custom_email_template,omitempty"`
	NotificationEmail       string `json:"notification_email,omitempty" validate:"omitempty,email"`
	EmailVerified           bool   `json:"email_verified"`
}

// AIAnalysis is the meaningfulness verdict attached to a change.
type AIAnalysis struct {
	Score        int       `json:"score"`
	IsMeaningful bool      `json:"is_meaningful"`
	Reasoning    string    `json:"reasoning"`
	Model        string    `json:"model"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
	// Unavailable is set when the scorer errored; IsMeaningful then holds the
	// configured fallback.
	Unavailable bool `json:"-"`
}

// Channel identifies a notification delivery channel.
type Channel string

// Delivery channels.
const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// DeliveryRecord logs one notification attempt on one channel.
type DeliveryRecord struct {
	ID             string    `json:"id"`
	TargetID       string    `json:"target_id"`
	OwnerID        string    `json:"owner_id"`
	ChangeRecordID string    `json:"change_record_id"`
	Channel        Channel   `json:"channel"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Proxied        bool      `json:"proxied,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	At             time.Time `json:"at"`
}
