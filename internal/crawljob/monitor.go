// Package crawljob drives asynchronous full-site crawls from submission to a
// terminal state.
package crawljob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/keylock"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

const (
	// DefaultPollInterval is the delay between status polls.
	DefaultPollInterval = 10 * time.Second
	// DefaultMaxPollAttempts bounds polling at ten minutes with the default interval.
	DefaultMaxPollAttempts = 60

	// TimeoutMessage is recorded on sessions that exhaust their poll attempts.
	TimeoutMessage = "Crawl job timed out after 10 minutes"
	// FailedMessage is recorded when the provider fails a job without detail.
	FailedMessage = "Crawl job failed"
	// TargetGoneMessage is recorded when the target disappears mid-crawl.
	TargetGoneMessage = "Target no longer exists"
)

// ErrTimedOut is returned by Poll when a session exhausts its attempts.
var ErrTimedOut = errors.New("crawl job timed out")

// Store is the subset of the document store the monitor needs.
type Store interface {
	GetTarget(ctx context.Context, ownerID, targetID string) (monitor.Target, error)
	CreateSession(ctx context.Context, session monitor.CrawlSession) error
	UpdateSession(ctx context.Context, session monitor.CrawlSession) error
	GetSession(ctx context.Context, sessionID string) (monitor.CrawlSession, error)
}

// PageHandler receives every page of a completed crawl.
type PageHandler interface {
	HandleCrawlPage(ctx context.Context, target monitor.Target, sessionID string, page monitor.ScrapeResult) error
}

// Config tunes polling.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
}

// Monitor submits crawl jobs and polls them until they finish, fail or time out.
type Monitor struct {
	store     Store
	provider  monitor.ScrapeProvider
	scheduler monitor.Scheduler
	pages     PageHandler
	clock     monitor.Clock
	ids       monitor.IDGenerator
	events    progress.Emitter
	locks     *keylock.Locker
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Monitor. events and logger may be nil.
func New(
	store Store,
	provider monitor.ScrapeProvider,
	scheduler monitor.Scheduler,
	pages PageHandler,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:     store,
		provider:  provider,
		scheduler: scheduler,
		pages:     pages,
		clock:     clock,
		ids:       ids,
		events:    progress.Or(events),
		locks:     keylock.New(),
		cfg:       cfg,
		logger:    logger.Named("crawljob"),
	}
}

// SetPageHandler replaces the page handler. It exists because the checker and
// the monitor reference each other; call it before the first Start.
func (m *Monitor) SetPageHandler(pages PageHandler) {
	m.pages = pages
}

// Start creates a session for the target and submits the crawl. Inline results
// complete the session immediately; otherwise the first poll is scheduled.
func (m *Monitor) Start(ctx context.Context, ownerID, targetID string) (monitor.CrawlSession, error) {
	target, err := m.store.GetTarget(ctx, ownerID, targetID)
	if err != nil {
		return monitor.CrawlSession{}, fmt.Errorf("load target: %w", err)
	}
	if err := target.ValidateCrawlLimits(); err != nil {
		return monitor.CrawlSession{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return monitor.CrawlSession{}, fmt.Errorf("generate session id: %w", err)
	}
	session := monitor.CrawlSession{
		ID:        id,
		TargetID:  target.ID,
		OwnerID:   target.OwnerID,
		Status:    monitor.SessionRunning,
		State:     monitor.StateSubmitting,
		StartedAt: m.clock.Now(),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return monitor.CrawlSession{}, fmt.Errorf("create session: %w", err)
	}
	m.emit(session, progress.StageCrawlStart, "")

	sub, err := m.provider.SubmitCrawl(ctx, target.URL, monitor.CrawlOptions{
		Limit:   target.CrawlLimit,
		Depth:   target.CrawlDepth,
		Formats: []string{monitor.FormatMarkdown, monitor.FormatLinks},
	})
	if err == nil {
		err = sub.Validate()
	}
	if err != nil {
		_ = m.finish(ctx, &session, monitor.StateFailed, err.Error())
		return session, fmt.Errorf("submit crawl: %w", err)
	}

	if sub.Inline() {
		m.complete(ctx, target, &session, sub.Pages)
		return session, nil
	}

	session.JobID = sub.JobID
	session.State = monitor.StatePolling
	if err := m.store.UpdateSession(ctx, session); err != nil {
		err = fmt.Errorf("persist job id: %w", err)
		_ = m.finish(ctx, &session, monitor.StateFailed, err.Error())
		return session, err
	}
	m.logger.Info("crawl submitted",
		zap.String("session_id", session.ID),
		zap.String("job_id", session.JobID),
		zap.String("target_id", target.ID),
	)
	// Without a scheduled poll nothing would ever finish the session.
	if err := m.schedulePoll(session.ID); err != nil {
		_ = m.finish(ctx, &session, monitor.StateFailed, err.Error())
		return session, err
	}
	return session, nil
}

// StaleAfter is how long a running session may stay unfinished before its poll
// chain is presumed lost, e.g. across a restart.
func (m *Monitor) StaleAfter() time.Duration {
	return time.Duration(m.cfg.MaxPollAttempts) * m.cfg.PollInterval
}

// Expire times out a session whose poll chain was lost. It reports false when
// the session had already reached a terminal state.
func (m *Monitor) Expire(ctx context.Context, sessionID string) (bool, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if session.State.Terminal() {
		return false, nil
	}
	if err := m.finish(ctx, &session, monitor.StateTimedOut, TimeoutMessage); err != nil {
		return false, fmt.Errorf("expire session %s: %w", session.ID, err)
	}
	return true, nil
}

// Poll advances one session by one step. Polls of the same session never
// overlap, and polls of a terminal session do nothing.
func (m *Monitor) Poll(ctx context.Context, sessionID string) error {
	ctx, span := otel.Tracer("pagewatch/crawljob").Start(ctx, "crawljob.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.State.Terminal() {
		return nil
	}

	target, err := m.store.GetTarget(ctx, session.OwnerID, session.TargetID)
	if errors.Is(err, monitor.ErrNotFound) {
		_ = m.finish(ctx, &session, monitor.StateFailed, TargetGoneMessage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}

	session.PollAttempts++
	span.SetAttributes(attribute.Int("attempt", session.PollAttempts))
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("record poll attempt: %w", err)
	}

	status, err := m.provider.CrawlStatus(ctx, session.JobID)
	if err != nil {
		m.logger.Warn("crawl status query failed",
			zap.String("session_id", session.ID),
			zap.Int("attempt", session.PollAttempts),
			zap.Error(err),
		)
		m.emit(session, progress.StageCrawlPoll, err.Error())
		return m.retryOrTimeout(ctx, &session)
	}
	m.emit(session, progress.StageCrawlPoll, status.Status)

	switch {
	case status.Completed():
		m.complete(ctx, target, &session, status.Data)
		return nil
	case status.Failed():
		msg := status.Error
		if msg == "" {
			msg = FailedMessage
		}
		_ = m.finish(ctx, &session, monitor.StateFailed, msg)
		return fmt.Errorf("crawl job %s: %s", session.JobID, msg)
	default:
		return m.retryOrTimeout(ctx, &session)
	}
}

func (m *Monitor) retryOrTimeout(ctx context.Context, session *monitor.CrawlSession) error {
	if session.PollAttempts >= m.cfg.MaxPollAttempts {
		_ = m.finish(ctx, session, monitor.StateTimedOut, TimeoutMessage)
		return fmt.Errorf("session %s after %d attempts: %w", session.ID, session.PollAttempts, ErrTimedOut)
	}
	return m.schedulePoll(session.ID)
}

func (m *Monitor) schedulePoll(sessionID string) error {
	err := m.scheduler.RunAfter(m.cfg.PollInterval, "crawl-poll:"+sessionID, func(ctx context.Context) error {
		return m.Poll(ctx, sessionID)
	})
	if err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	return nil
}

// complete marks the session completed, then hands each page to the handler.
// A failing page is logged and does not stop the rest.
func (m *Monitor) complete(ctx context.Context, target monitor.Target, session *monitor.CrawlSession, pages []monitor.ScrapeResult) {
	now := m.clock.Now()
	session.State = monitor.StateCompleted
	session.Status = monitor.SessionCompleted
	session.PagesFound = len(pages)
	session.CompletedAt = &now
	session.Error = ""
	if err := m.store.UpdateSession(ctx, *session); err != nil {
		m.logger.Error("persist completed session", zap.String("session_id", session.ID), zap.Error(err))
	}
	m.emit(*session, progress.StageCrawlDone, "")

	if m.pages == nil {
		return
	}
	failed := 0
	for _, page := range pages {
		if err := m.pages.HandleCrawlPage(ctx, target, session.ID, page); err != nil {
			failed++
			m.logger.Warn("crawl page handling failed",
				zap.String("session_id", session.ID),
				zap.String("page_url", page.URL),
				zap.Error(err),
			)
		}
	}
	m.logger.Info("crawl completed",
		zap.String("session_id", session.ID),
		zap.Int("pages", len(pages)),
		zap.Int("failed_pages", failed),
	)
}

// finish moves the session to a failed terminal state. The returned error is
// the persistence failure, already logged.
func (m *Monitor) finish(ctx context.Context, session *monitor.CrawlSession, state monitor.CrawlState, msg string) error {
	now := m.clock.Now()
	session.State = state
	session.Status = monitor.SessionFailed
	session.Error = msg
	session.CompletedAt = &now
	err := m.store.UpdateSession(ctx, *session)
	if err != nil {
		m.logger.Error("persist failed session", zap.String("session_id", session.ID), zap.Error(err))
	}
	stage := progress.StageCrawlFailed
	if state == monitor.StateTimedOut {
		stage = progress.StageCrawlTimeout
	}
	m.emit(*session, stage, msg)
	m.logger.Warn("crawl ended without success",
		zap.String("session_id", session.ID),
		zap.String("state", string(state)),
		zap.String("error", msg),
	)
	return err
}

func (m *Monitor) emit(session monitor.CrawlSession, stage progress.Stage, note string) {
	evt := progress.Event{
		TargetID:  session.TargetID,
		OwnerID:   session.OwnerID,
		SessionID: session.ID,
		TS:        m.clock.Now(),
		Stage:     stage,
		Attempt:   session.PollAttempts,
		Pages:     session.PagesFound,
		Note:      note,
	}
	if session.CompletedAt != nil {
		evt.Dur = session.CompletedAt.Sub(session.StartedAt)
	}
	m.events.Emit(evt)
}
