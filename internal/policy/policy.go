// Package policy decides which notification channels fire for a change record.
package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// FailOpenOnScorerError is the default for Config.FailOpen: a change is
// treated as meaningful when the scorer fails.
const FailOpenOnScorerError = true

// Skip reasons reported in Decision.Skipped.
const (
	SkipNotChanged     = "record is not a change"
	SkipPreference     = "channel not selected by target"
	SkipNoVerifiedMail = "no verified notification email"
	SkipNoWebhookURL   = "target has no webhook url"
	SkipNotMeaningful  = "change below meaningfulness threshold"
)

// Dispatch is an instruction to deliver one notification on one channel.
type Dispatch struct {
	Channel monitor.Channel
	// Destination is the email address or webhook URL.
	Destination string
	Payload     monitor.WebhookPayload
}

// Decision is the outcome of evaluating a change record.
type Decision struct {
	Dispatches []Dispatch
	// Analysis is set when the scorer was consulted, even if it failed.
	Analysis   *monitor.AIAnalysis
	Meaningful bool
	Skipped    map[monitor.Channel]string
}

// Fires reports whether the decision includes the channel.
func (d Decision) Fires(ch monitor.Channel) bool {
	for _, dispatch := range d.Dispatches {
		if dispatch.Channel == ch {
			return true
		}
	}
	return false
}

// Config controls scorer failure handling and summary length.
type Config struct {
	FailOpen      bool
	SummaryMaxLen int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{FailOpen: FailOpenOnScorerError, SummaryMaxLen: monitor.SummaryMaxLen}
}

// Engine evaluates notification gating. The scorer may be nil.
type Engine struct {
	scorer monitor.MeaningfulnessScorer
	clock  monitor.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs an Engine.
func New(scorer monitor.MeaningfulnessScorer, clock monitor.Clock, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{scorer: scorer, clock: clock, cfg: cfg, logger: logger.Named("policy")}
}

// Evaluate decides the channels for rec. Each channel is gated independently.
func (e *Engine) Evaluate(
	ctx context.Context,
	rec monitor.ChangeRecord,
	target monitor.Target,
	prefs monitor.NotificationPreferences,
) (Decision, error) {
	if rec.TargetID != target.ID {
		return Decision{}, fmt.Errorf("evaluate record %s: belongs to target %s, not %s", rec.ID, rec.TargetID, target.ID)
	}
	decision := Decision{Meaningful: true, Skipped: make(map[monitor.Channel]string)}
	if rec.Status != monitor.StatusChanged {
		decision.Skipped[monitor.ChannelEmail] = SkipNotChanged
		decision.Skipped[monitor.ChannelWebhook] = SkipNotChanged
		return decision, nil
	}

	if prefs.AIAnalysisEnabled && rec.HasDiff() && e.scorer != nil {
		decision.Analysis, decision.Meaningful = e.analyze(ctx, rec, prefs.MeaningfulThreshold)
	}
	gate := func(onlyIfMeaningful bool) bool {
		return !prefs.AIAnalysisEnabled || !onlyIfMeaningful || decision.Meaningful
	}
	payload := BuildPayload(rec, target, decision.Analysis, e.cfg.SummaryMaxLen)

	switch {
	case !target.NotificationPreference.WantsEmail():
		decision.Skipped[monitor.ChannelEmail] = SkipPreference
	case prefs.NotificationEmail == "" || !prefs.EmailVerified:
		decision.Skipped[monitor.ChannelEmail] = SkipNoVerifiedMail
	case !gate(prefs.EmailOnlyIfMeaningful):
		decision.Skipped[monitor.ChannelEmail] = SkipNotMeaningful
	default:
		decision.Dispatches = append(decision.Dispatches, Dispatch{
			Channel:     monitor.ChannelEmail,
			Destination: prefs.NotificationEmail,
			Payload:     payload,
		})
	}

	switch {
	case !target.NotificationPreference.WantsWebhook():
		decision.Skipped[monitor.ChannelWebhook] = SkipPreference
	case target.WebhookURL == "":
		decision.Skipped[monitor.ChannelWebhook] = SkipNoWebhookURL
	case !gate(prefs.WebhookOnlyIfMeaningful):
		decision.Skipped[monitor.ChannelWebhook] = SkipNotMeaningful
	default:
		decision.Dispatches = append(decision.Dispatches, Dispatch{
			Channel:     monitor.ChannelWebhook,
			Destination: target.WebhookURL,
			Payload:     payload,
		})
	}

	e.logger.Debug("policy evaluated",
		zap.String("record_id", rec.ID),
		zap.Bool("meaningful", decision.Meaningful),
		zap.Int("dispatches", len(decision.Dispatches)),
	)
	return decision, nil
}

func (e *Engine) analyze(ctx context.Context, rec monitor.ChangeRecord, threshold int) (*monitor.AIAnalysis, bool) {
	now := e.clock.Now()
	score, err := e.scorer.Score(ctx, rec.DiffText())
	if err != nil {
		e.logger.Warn("meaningfulness scoring failed",
			zap.String("record_id", rec.ID),
			zap.Bool("fail_open", e.cfg.FailOpen),
			zap.Error(err),
		)
		return &monitor.AIAnalysis{
			IsMeaningful: e.cfg.FailOpen,
			Reasoning:    "analysis unavailable",
			AnalyzedAt:   now,
			Unavailable:  true,
		}, e.cfg.FailOpen
	}
	value := min(max(score.Score, 0), 100)
	meaningful := value >= threshold
	return &monitor.AIAnalysis{
		Score:        value,
		IsMeaningful: meaningful,
		Reasoning:    score.Reasoning,
		Model:        score.Model,
		AnalyzedAt:   now,
	}, meaningful
}

// BuildPayload assembles the webhook payload for a change. An unavailable
// analysis is left out of the payload.
func BuildPayload(rec monitor.ChangeRecord, target monitor.Target, analysis *monitor.AIAnalysis, summaryMax int) monitor.WebhookPayload {
	payload := monitor.WebhookPayload{
		Event: monitor.EventWebsiteChanged,
		Website: monitor.WebhookWebsite{
			ID:   target.ID,
			Name: target.DisplayName(),
			URL:  target.URL,
		},
		Change: monitor.WebhookChange{
			DetectedAt: rec.ScrapedAt,
			ChangeType: rec.Status,
			Status:     rec.Status,
			Summary:    monitor.Summarize(rec.DiffText(), summaryMax),
			Diff:       rec.Diff,
		},
	}
	if analysis != nil && !analysis.Unavailable {
		payload.AIAnalysis = &monitor.WebhookAIAnalysis{
			Score:        analysis.Score,
			IsMeaningful: analysis.IsMeaningful,
			Reasoning:    analysis.Reasoning,
			Model:        analysis.Model,
			AnalyzedAt:   analysis.AnalyzedAt,
		}
	}
	return payload
}
