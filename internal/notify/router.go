// Package notify fans a classified change out to the notification channels the
// policy selects.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/emailtmpl"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/policy"
	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/webhook"
)

// ErrChannelUnavailable is returned for a fired channel that has no backend.
var ErrChannelUnavailable = errors.New("notification channel not configured")

// Evaluator decides which channels fire.
type Evaluator interface {
	Evaluate(ctx context.Context, rec monitor.ChangeRecord, target monitor.Target, prefs monitor.NotificationPreferences) (policy.Decision, error)
}

// Mailer renders and sends notification emails.
type Mailer interface {
	Vars(payload monitor.WebhookPayload, pageTitle string) emailtmpl.Vars
	Send(ctx context.Context, to string, vars emailtmpl.Vars, customTemplate string) error
}

// Webhooks delivers webhook payloads.
type Webhooks interface {
	Dispatch(ctx context.Context, targetURL string, payload any) (webhook.Result, error)
}

// DeliveryLog records the outcome of each fired channel.
type DeliveryLog interface {
	Record(ctx context.Context, evt progress.Event) error
}

// Outcome is the result of one fired channel.
type Outcome struct {
	Channel    monitor.Channel
	Err        error
	StatusCode int
	Proxied    bool
}

// Report summarizes one Route call.
type Report struct {
	Decision    policy.Decision
	Outcomes    []Outcome
	PublishedID string
}

// Delivered reports whether the channel fired and succeeded.
func (r Report) Delivered(ch monitor.Channel) bool {
	for _, o := range r.Outcomes {
		if o.Channel == ch {
			return o.Err == nil
		}
	}
	return false
}

// Config holds router settings.
type Config struct {
	// Topic receives every changed record's payload when a publisher is set.
	Topic string
}

// Router composes the policy engine, the email engine and the webhook
// dispatcher. mailer, webhooks, publisher and deliveries may be nil.
type Router struct {
	policy     Evaluator
	mailer     Mailer
	webhooks   Webhooks
	publisher  monitor.Publisher
	clock      monitor.Clock
	events     progress.Emitter
	deliveries DeliveryLog
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Router.
func New(
	evaluator Evaluator,
	mailer Mailer,
	webhooks Webhooks,
	publisher monitor.Publisher,
	clock monitor.Clock,
	events progress.Emitter,
	deliveries DeliveryLog,
	cfg Config,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = monitor.EventWebsiteChanged
	}
	return &Router{
		policy:     evaluator,
		mailer:     mailer,
		webhooks:   webhooks,
		publisher:  publisher,
		clock:      clock,
		events:     progress.Or(events),
		deliveries: deliveries,
		cfg:        cfg,
		logger:     logger.Named("notify"),
	}
}

// Route evaluates rec and runs every fired channel. A failing channel never
// stops the other; their errors are joined in the returned error. Each
// outcome is written to the delivery log before Route returns.
func (r *Router) Route(
	ctx context.Context,
	rec monitor.ChangeRecord,
	target monitor.Target,
	prefs monitor.NotificationPreferences,
) (Report, error) {
	decision, err := r.policy.Evaluate(ctx, rec, target, prefs)
	if err != nil {
		return Report{}, fmt.Errorf("evaluate policy: %w", err)
	}
	report := Report{Decision: decision}
	if rec.Status != monitor.StatusChanged {
		return report, nil
	}

	for ch, reason := range decision.Skipped {
		r.emit(rec, progress.Event{Stage: progress.StageNotifySkipped, Channel: ch, Note: reason})
	}

	var errs []error
	for _, dispatch := range decision.Dispatches {
		outcome := r.deliver(ctx, rec, prefs, dispatch)
		report.Outcomes = append(report.Outcomes, outcome)
		evt := progress.Event{
			Stage:      progress.StageNotifySent,
			Channel:    outcome.Channel,
			StatusCode: outcome.StatusCode,
			Proxied:    outcome.Proxied,
		}
		if outcome.Err != nil {
			evt.Stage = progress.StageNotifyFailed
			evt.Note = outcome.Err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", outcome.Channel, outcome.Err))
		}
		evt = r.emit(rec, evt)
		r.record(ctx, evt)
	}

	report.PublishedID = r.publish(ctx, rec, target, decision)
	return report, errors.Join(errs...)
}

func (r *Router) deliver(ctx context.Context, rec monitor.ChangeRecord, prefs monitor.NotificationPreferences, d policy.Dispatch) Outcome {
	outcome := Outcome{Channel: d.Channel}
	switch d.Channel {
	case monitor.ChannelEmail:
		if r.mailer == nil {
			outcome.Err = ErrChannelUnavailable
			return outcome
		}
		vars := r.mailer.Vars(d.Payload, rec.Metadata.Title)
		outcome.Err = r.mailer.Send(ctx, d.Destination, vars, prefs.CustomEmailTemplate)
	case monitor.ChannelWebhook:
		if r.webhooks == nil {
			outcome.Err = ErrChannelUnavailable
			return outcome
		}
		res, err := r.webhooks.Dispatch(ctx, d.Destination, d.Payload)
		outcome.Err = err
		outcome.StatusCode = res.StatusCode
		outcome.Proxied = res.Proxied
	default:
		outcome.Err = fmt.Errorf("unknown channel %q", d.Channel)
	}
	if outcome.Err != nil {
		r.logger.Warn("notification failed",
			zap.String("record_id", rec.ID),
			zap.String("target_id", rec.TargetID),
			zap.String("channel", string(d.Channel)),
			zap.Error(outcome.Err),
		)
	}
	return outcome
}

func (r *Router) publish(ctx context.Context, rec monitor.ChangeRecord, target monitor.Target, decision policy.Decision) string {
	if r.publisher == nil {
		return ""
	}
	payload := policy.BuildPayload(rec, target, decision.Analysis, 0)
	id, err := r.publisher.Publish(ctx, r.cfg.Topic, payload)
	if err != nil {
		r.logger.Warn("publish change event failed", zap.String("record_id", rec.ID), zap.Error(err))
		return ""
	}
	return id
}

func (r *Router) emit(rec monitor.ChangeRecord, evt progress.Event) progress.Event {
	evt.TargetID = rec.TargetID
	evt.OwnerID = rec.OwnerID
	evt.RecordID = rec.ID
	evt.URL = rec.PageURL
	evt.TS = r.clock.Now()
	r.events.Emit(evt)
	return evt
}

// record writes the delivery log entry. A failed write is logged; the
// notification itself already happened.
func (r *Router) record(ctx context.Context, evt progress.Event) {
	if r.deliveries == nil {
		return
	}
	if err := r.deliveries.Record(ctx, evt); err != nil {
		r.logger.Error("record delivery failed",
			zap.String("record_id", evt.RecordID),
			zap.String("channel", string(evt.Channel)),
			zap.Error(err),
		)
	}
}
