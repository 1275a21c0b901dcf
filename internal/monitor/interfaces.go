package monitor

import (
	"context"
	"io"
	"time"
)

// TargetStore persists monitored targets.
type TargetStore interface {
	UpsertTarget(ctx context.Context, target Target) error
	GetTarget(ctx context.Context, ownerID, targetID string) (Target, error)
	ListActiveTargets(ctx context.Context) ([]Target, error)
	TouchTarget(ctx context.Context, ownerID, targetID string, at time.Time) error
	DeleteTarget(ctx context.Context, ownerID, targetID string) error
}

// ChangeStore persists change records, including checking placeholders.
type ChangeStore interface {
	InsertChange(ctx context.Context, record ChangeRecord) error
	// LatestChange returns the newest non-checking record for the target. A
	// non-empty pageURL narrows the lookup to that page.
	LatestChange(ctx context.Context, targetID, pageURL string) (ChangeRecord, error)
	ListChanges(ctx context.Context, ownerID, targetID string, limit int) ([]ChangeRecord, error)
	CheckingPlaceholders(ctx context.Context, targetID string) ([]ChangeRecord, error)
	DeleteCheckingPlaceholders(ctx context.Context, targetID string) (int, error)
	DeleteChangesBatch(ctx context.Context, targetID string, limit int) (int, error)
}

// SessionStore persists crawl sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session CrawlSession) error
	UpdateSession(ctx context.Context, session CrawlSession) error
	GetSession(ctx context.Context, sessionID string) (CrawlSession, error)
	// ActiveSession returns the running session for the target, if any.
	ActiveSession(ctx context.Context, targetID string) (CrawlSession, error)
	DeleteSessionsBatch(ctx context.Context, targetID string, limit int) (int, error)
}

// AlertStore persists change alerts. CreateAlert returns ErrAlreadyExists when
// an alert for the same change record exists.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert ChangeAlert) error
	ListAlerts(ctx context.Context, ownerID string, unreadOnly bool) ([]ChangeAlert, error)
	MarkAlertRead(ctx context.Context, ownerID, alertID string) error
	DeleteAlertsBatch(ctx context.Context, targetID string, limit int) (int, error)
}

// PreferencesStore reads and writes owner notification preferences.
type PreferencesStore interface {
	GetPreferences(ctx context.Context, ownerID string) (NotificationPreferences, error)
	PutPreferences(ctx context.Context, prefs NotificationPreferences) error
}

// DeliveryStore keeps the per-channel delivery log.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, record DeliveryRecord) error
	ListDeliveries(ctx context.Context, ownerID, targetID string) ([]DeliveryRecord, error)
	DeleteDeliveriesBatch(ctx context.Context, targetID string, limit int) (int, error)
}

// Store is the full document store used by the pipeline.
type Store interface {
	TargetStore
	ChangeStore
	SessionStore
	AlertStore
	PreferencesStore
	DeliveryStore
}

// ScrapeProvider is the external scraping service.
type ScrapeProvider interface {
	Scrape(ctx context.Context, url string, opts ScrapeOptions) (ScrapeResult, error)
	SubmitCrawl(ctx context.Context, url string, opts CrawlOptions) (CrawlSubmission, error)
	CrawlStatus(ctx context.Context, jobID string) (CrawlStatus, error)
}

// MeaningfulnessScorer rates how meaningful a diff is on a 0-100 scale.
type MeaningfulnessScorer interface {
	Score(ctx context.Context, diffText string) (Score, error)
}

// EmailSender delivers a rendered email.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// Task is a unit of deferred work.
type Task func(ctx context.Context) error

// Scheduler runs tasks after a delay. Tasks may schedule further tasks.
type Scheduler interface {
	RunAfter(delay time.Duration, name string, task Task) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ScheduledTask is a named task handed from the scheduler to its workers.
type ScheduledTask struct {
	Name       string
	Run        Task
	EnqueuedAt time.Time
}
