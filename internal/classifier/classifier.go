// Package classifier turns scrape results into persisted change records.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Store is the subset of the document store the classifier writes to.
type Store interface {
	LatestChange(ctx context.Context, targetID, pageURL string) (monitor.ChangeRecord, error)
	DeleteCheckingPlaceholders(ctx context.Context, targetID string) (int, error)
	InsertChange(ctx context.Context, record monitor.ChangeRecord) error
	TouchTarget(ctx context.Context, ownerID, targetID string, at time.Time) error
	CreateAlert(ctx context.Context, alert monitor.ChangeAlert) error
}

// ContentHasher digests page content.
type ContentHasher interface {
	HashContent(content string) string
}

// Config toggles optional classifier behaviour.
type Config struct {
	// LocalDiff computes a line diff against the prior record when the
	// provider sends neither a hint nor a diff.
	LocalDiff bool
	// SummaryMaxLen bounds alert summaries. Zero uses monitor.SummaryMaxLen.
	SummaryMaxLen int
	// SnapshotPrefix is the blob path prefix for archived content.
	SnapshotPrefix string
}

// Input is one scraped page to classify.
type Input struct {
	Target         monitor.Target
	Scrape         monitor.ScrapeResult
	CrawlSessionID string
}

// Classifier decides the change status of a scrape and persists the outcome.
type Classifier struct {
	store  Store
	clock  monitor.Clock
	ids    monitor.IDGenerator
	hasher ContentHasher
	blobs  monitor.BlobStore
	cfg    Config
	dmp    *diffmatchpatch.DiffMatchPatch
	logger *zap.Logger
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithBlobStore archives every scraped page to blobs.
func WithBlobStore(blobs monitor.BlobStore) Option {
	return func(c *Classifier) { c.blobs = blobs }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a Classifier.
func New(store Store, clock monitor.Clock, ids monitor.IDGenerator, hasher ContentHasher, cfg Config, opts ...Option) *Classifier {
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	c := &Classifier{
		store:  store,
		clock:  clock,
		ids:    ids,
		hasher: hasher,
		cfg:    cfg,
		dmp:    diffmatchpatch.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("classifier")
	return c
}

// Decide maps an upstream hint, a diff and the existence of a prior record to
// a change status. A first scrape is always new. A diff marks the page changed
// even when the hint disagrees.
func Decide(hint monitor.ChangeStatus, diff *monitor.Diff, hasPrior bool) monitor.ChangeStatus {
	if !hasPrior {
		return monitor.StatusNew
	}
	if hint == monitor.StatusChanged || !diff.Empty() {
		return monitor.StatusChanged
	}
	if hint == monitor.StatusRemoved {
		return monitor.StatusRemoved
	}
	return monitor.StatusSame
}

// Classify stores a record for the scrape and returns it. Checking placeholders
// of the target are removed before the record is inserted.
func (c *Classifier) Classify(ctx context.Context, in Input) (monitor.ChangeRecord, error) {
	ctx, span := otel.Tracer("pagewatch/classifier").Start(ctx, "classifier.Classify")
	defer span.End()
	span.SetAttributes(attribute.String("target_id", in.Target.ID))

	if err := in.Scrape.Validate(); err != nil {
		return monitor.ChangeRecord{}, err
	}

	lookupURL := ""
	if in.CrawlSessionID != "" {
		lookupURL = in.Scrape.URL
	}
	prior, err := c.store.LatestChange(ctx, in.Target.ID, lookupURL)
	hasPrior := err == nil
	if err != nil && !errors.Is(err, monitor.ErrNotFound) {
		return monitor.ChangeRecord{}, fmt.Errorf("load prior record: %w", err)
	}

	tracking := in.Scrape.Tracking
	diff := tracking.Diff
	if c.cfg.LocalDiff && hasPrior && tracking.Status == "" && diff.Empty() {
		if text := lineDiff(c.dmp, prior.Content, in.Scrape.Markdown); text != "" {
			diff = &monitor.Diff{Text: text}
		}
	}

	id, err := c.ids.NewID()
	if err != nil {
		return monitor.ChangeRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	now := c.clock.Now()
	status := Decide(tracking.Status, diff, hasPrior)
	record := monitor.ChangeRecord{
		ID:             id,
		TargetID:       in.Target.ID,
		OwnerID:        in.Target.OwnerID,
		PageURL:        in.Scrape.URL,
		CrawlSessionID: in.CrawlSessionID,
		Content:        in.Scrape.Markdown,
		ContentHash:    c.hasher.HashContent(in.Scrape.Markdown),
		Status:         status,
		Visibility:     tracking.Visibility,
		ScrapedAt:      now,
		Metadata:       in.Scrape.Metadata,
	}
	if record.Visibility == "" {
		record.Visibility = monitor.VisibilityVisible
	}
	if hasPrior {
		// A first scrape never carries a diff, whatever the provider sent.
		record.Diff = diff
		record.PreviousScrapeAt = tracking.PreviousScrapeAt
		if record.PreviousScrapeAt == nil {
			prev := prior.ScrapedAt
			record.PreviousScrapeAt = &prev
		}
	}
	record.SnapshotURI = c.archive(ctx, record)

	if _, err := c.store.DeleteCheckingPlaceholders(ctx, in.Target.ID); err != nil {
		return monitor.ChangeRecord{}, fmt.Errorf("clear checking placeholders: %w", err)
	}
	if err := c.store.InsertChange(ctx, record); err != nil {
		return monitor.ChangeRecord{}, fmt.Errorf("insert change record: %w", err)
	}
	if err := c.store.TouchTarget(ctx, in.Target.OwnerID, in.Target.ID, now); err != nil {
		return record, fmt.Errorf("update last checked: %w", err)
	}

	c.logger.Debug("classified scrape",
		zap.String("target_id", in.Target.ID),
		zap.String("page_url", record.PageURL),
		zap.String("status", string(status)),
	)
	span.SetAttributes(attribute.String("status", string(status)))

	if status == monitor.StatusChanged {
		c.raiseAlert(ctx, record)
	}
	return record, nil
}

func (c *Classifier) raiseAlert(ctx context.Context, record monitor.ChangeRecord) {
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("alert id generation failed", zap.String("record_id", record.ID), zap.Error(err))
		return
	}
	alert := monitor.ChangeAlert{
		ID:             id,
		TargetID:       record.TargetID,
		OwnerID:        record.OwnerID,
		ChangeRecordID: record.ID,
		ChangeType:     record.Status,
		Summary:        monitor.Summarize(record.DiffText(), c.cfg.SummaryMaxLen),
		CreatedAt:      record.ScrapedAt,
	}
	if err := c.store.CreateAlert(ctx, alert); err != nil && !errors.Is(err, monitor.ErrAlreadyExists) {
		c.logger.Warn("create alert failed", zap.String("record_id", record.ID), zap.Error(err))
	}
}

func (c *Classifier) archive(ctx context.Context, record monitor.ChangeRecord) string {
	if c.blobs == nil || record.Content == "" {
		return ""
	}
	key := path.Join(c.cfg.SnapshotPrefix, record.TargetID, record.ContentHash+".md")
	uri, err := c.blobs.PutObject(ctx, key, "text/markdown; charset=utf-8", strings.NewReader(record.Content))
	if err != nil {
		c.logger.Warn("snapshot archive failed", zap.String("target_id", record.TargetID), zap.Error(err))
		return ""
	}
	return uri
}
