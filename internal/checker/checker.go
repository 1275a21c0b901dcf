// Package checker runs change checks for monitored targets: it scrapes single
// pages, starts full-site crawls and hands results to classification and
// notification.
package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/classifier"
	"github.com/JakeFAU/pagewatch/internal/keylock"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/notify"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// Store is the subset of the document store the checker uses.
type Store interface {
	GetTarget(ctx context.Context, ownerID, targetID string) (monitor.Target, error)
	CheckingPlaceholders(ctx context.Context, targetID string) ([]monitor.ChangeRecord, error)
	DeleteCheckingPlaceholders(ctx context.Context, targetID string) (int, error)
	InsertChange(ctx context.Context, record monitor.ChangeRecord) error
	ActiveSession(ctx context.Context, targetID string) (monitor.CrawlSession, error)
	GetPreferences(ctx context.Context, ownerID string) (monitor.NotificationPreferences, error)
}

// Classifier persists a scrape as a change record.
type Classifier interface {
	Classify(ctx context.Context, in classifier.Input) (monitor.ChangeRecord, error)
}

// Router notifies about a classified record.
type Router interface {
	Route(ctx context.Context, rec monitor.ChangeRecord, target monitor.Target, prefs monitor.NotificationPreferences) (notify.Report, error)
}

// Crawler starts full-site crawls and expires sessions whose polling was lost.
type Crawler interface {
	Start(ctx context.Context, ownerID, targetID string) (monitor.CrawlSession, error)
	StaleAfter() time.Duration
	Expire(ctx context.Context, sessionID string) (bool, error)
}

// Result is the outcome of CheckNow. Record is set for single pages, Session
// for full-site targets.
type Result struct {
	Record  *monitor.ChangeRecord
	Session *monitor.CrawlSession
	Report  notify.Report
}

// Checker coordinates one check of one target.
type Checker struct {
	store      Store
	provider   monitor.ScrapeProvider
	classifier Classifier
	router     Router
	crawler    Crawler
	clock      monitor.Clock
	ids        monitor.IDGenerator
	events     progress.Emitter
	locks      *keylock.Locker
	logger     *zap.Logger
}

// New constructs a Checker. crawler may be nil when full-site targets are not
// supported; events and logger may be nil.
func New(
	store Store,
	provider monitor.ScrapeProvider,
	cls Classifier,
	router Router,
	crawler Crawler,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	events progress.Emitter,
	logger *zap.Logger,
) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		store:      store,
		provider:   provider,
		classifier: cls,
		router:     router,
		crawler:    crawler,
		clock:      clock,
		ids:        ids,
		events:     progress.Or(events),
		locks:      keylock.New(),
		logger:     logger.Named("checker"),
	}
}

// SetCrawler wires the crawler after construction.
func (c *Checker) SetCrawler(crawler Crawler) {
	c.crawler = crawler
}

// CheckNow checks a target immediately. Single pages are scraped, classified
// and notified; full-site targets start a crawl unless one is running. A
// notification failure is returned after the record has been stored.
func (c *Checker) CheckNow(ctx context.Context, ownerID, targetID string) (Result, error) {
	ctx, span := otel.Tracer("pagewatch/checker").Start(ctx, "checker.CheckNow")
	defer span.End()
	span.SetAttributes(attribute.String("target_id", targetID))

	target, err := c.store.GetTarget(ctx, ownerID, targetID)
	if err != nil {
		return Result{}, fmt.Errorf("load target: %w", err)
	}
	if target.Kind == monitor.KindFullSite {
		return c.startCrawl(ctx, target)
	}

	unlock := c.locks.Lock(target.ID)
	defer unlock()

	placeholder, err := c.claim(ctx, target)
	if err != nil {
		return Result{}, err
	}
	start := c.clock.Now()
	c.emit(progress.Event{TargetID: target.ID, OwnerID: target.OwnerID, RecordID: placeholder.ID, Stage: progress.StageCheckStart, URL: target.URL})

	scrape, err := c.provider.Scrape(ctx, target.URL, monitor.ScrapeOptions{
		Formats: []string{monitor.FormatMarkdown, monitor.FormatChangeTrack},
	})
	if err != nil {
		c.abandon(ctx, target, err)
		return Result{}, fmt.Errorf("scrape %s: %w", target.URL, err)
	}
	rec, err := c.classifier.Classify(ctx, classifier.Input{Target: target, Scrape: scrape})
	if err != nil {
		c.abandon(ctx, target, err)
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	c.emit(progress.Event{
		TargetID:     target.ID,
		OwnerID:      target.OwnerID,
		RecordID:     rec.ID,
		Stage:        progress.StageCheckDone,
		URL:          rec.PageURL,
		ChangeStatus: rec.Status,
		Dur:          c.clock.Now().Sub(start),
	})
	span.SetAttributes(attribute.String("status", string(rec.Status)))

	res := Result{Record: &rec}
	res.Report, err = c.notify(ctx, rec, target)
	return res, err
}

// HandleCrawlPage classifies and notifies one page of a finished crawl.
func (c *Checker) HandleCrawlPage(ctx context.Context, target monitor.Target, sessionID string, page monitor.ScrapeResult) error {
	rec, err := c.classifier.Classify(ctx, classifier.Input{Target: target, Scrape: page, CrawlSessionID: sessionID})
	if err != nil {
		return fmt.Errorf("classify %s: %w", page.URL, err)
	}
	c.emit(progress.Event{
		TargetID:     target.ID,
		OwnerID:      target.OwnerID,
		SessionID:    sessionID,
		RecordID:     rec.ID,
		Stage:        progress.StageCheckDone,
		URL:          rec.PageURL,
		ChangeStatus: rec.Status,
	})
	_, err = c.notify(ctx, rec, target)
	return err
}

func (c *Checker) startCrawl(ctx context.Context, target monitor.Target) (Result, error) {
	if c.crawler == nil {
		return Result{}, fmt.Errorf("check %s: full-site crawling is not configured", target.ID)
	}
	active, err := c.store.ActiveSession(ctx, target.ID)
	switch {
	case err == nil:
		stuckAfter := c.crawler.StaleAfter() + target.CheckInterval()
		if c.clock.Now().Sub(active.StartedAt) < stuckAfter {
			return Result{Session: &active}, fmt.Errorf("crawl %s already running: %w", active.ID, monitor.ErrCheckInProgress)
		}
		expired, err := c.crawler.Expire(ctx, active.ID)
		if err != nil {
			return Result{}, fmt.Errorf("expire stuck crawl %s: %w", active.ID, err)
		}
		if expired {
			c.logger.Warn("expired stuck crawl session",
				zap.String("target_id", target.ID),
				zap.String("session_id", active.ID),
				zap.Time("started_at", active.StartedAt),
			)
		}
	case !errors.Is(err, monitor.ErrNotFound):
		return Result{}, fmt.Errorf("load active session: %w", err)
	}
	session, err := c.crawler.Start(ctx, target.OwnerID, target.ID)
	if err != nil {
		if session.ID != "" {
			return Result{Session: &session}, err
		}
		return Result{}, err
	}
	return Result{Session: &session}, nil
}

// claim inserts the checking placeholder for target. A fresh placeholder means
// a check is running; one older than the check interval is stuck and replaced.
func (c *Checker) claim(ctx context.Context, target monitor.Target) (monitor.ChangeRecord, error) {
	now := c.clock.Now()
	existing, err := c.store.CheckingPlaceholders(ctx, target.ID)
	if err != nil {
		return monitor.ChangeRecord{}, fmt.Errorf("load checking placeholders: %w", err)
	}
	if len(existing) > 0 {
		stuckAfter := target.CheckInterval()
		for _, p := range existing {
			if now.Sub(p.ScrapedAt) < stuckAfter {
				return monitor.ChangeRecord{}, fmt.Errorf("check of %s started %s: %w",
					target.ID, p.ScrapedAt.Format(time.RFC3339), monitor.ErrCheckInProgress)
			}
		}
		n, err := c.store.DeleteCheckingPlaceholders(ctx, target.ID)
		if err != nil {
			return monitor.ChangeRecord{}, fmt.Errorf("clear stuck placeholders: %w", err)
		}
		c.logger.Warn("cleared stuck checking placeholders", zap.String("target_id", target.ID), zap.Int("count", n))
	}

	id, err := c.ids.NewID()
	if err != nil {
		return monitor.ChangeRecord{}, fmt.Errorf("generate placeholder id: %w", err)
	}
	placeholder := monitor.ChangeRecord{
		ID:         id,
		TargetID:   target.ID,
		OwnerID:    target.OwnerID,
		PageURL:    target.URL,
		Status:     monitor.StatusChecking,
		Visibility: monitor.VisibilityVisible,
		ScrapedAt:  now,
	}
	if err := c.store.InsertChange(ctx, placeholder); err != nil {
		return monitor.ChangeRecord{}, fmt.Errorf("insert checking placeholder: %w", err)
	}
	return placeholder, nil
}

func (c *Checker) abandon(ctx context.Context, target monitor.Target, cause error) {
	if _, err := c.store.DeleteCheckingPlaceholders(ctx, target.ID); err != nil {
		c.logger.Error("remove checking placeholder", zap.String("target_id", target.ID), zap.Error(err))
	}
	c.emit(progress.Event{
		TargetID: target.ID,
		OwnerID:  target.OwnerID,
		Stage:    progress.StageCheckError,
		URL:      target.URL,
		Note:     cause.Error(),
	})
	c.logger.Warn("check failed", zap.String("target_id", target.ID), zap.Error(cause))
}

func (c *Checker) notify(ctx context.Context, rec monitor.ChangeRecord, target monitor.Target) (notify.Report, error) {
	if rec.Status != monitor.StatusChanged || c.router == nil {
		return notify.Report{}, nil
	}
	prefs, err := c.store.GetPreferences(ctx, target.OwnerID)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		prefs = monitor.NotificationPreferences{OwnerID: target.OwnerID}
	case err != nil:
		return notify.Report{}, fmt.Errorf("load preferences: %w", err)
	}
	report, err := c.router.Route(ctx, rec, target, prefs)
	if err != nil {
		return report, fmt.Errorf("notify: %w", err)
	}
	return report, nil
}

func (c *Checker) emit(evt progress.Event) {
	evt.TS = c.clock.Now()
	c.events.Emit(evt)
}
