package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/clock/manual"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeScorer struct {
	mu    sync.Mutex
	score monitor.Score
	err   error
	calls int
}

func (f *fakeScorer) Score(context.Context, string) (monitor.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.score, f.err
}

func changed(diff string) monitor.ChangeRecord {
	rec := monitor.ChangeRecord{
		ID:        "rec-1",
		TargetID:  "t1",
		OwnerID:   "owner",
		Status:    monitor.StatusChanged,
		ScrapedAt: now,
	}
	if diff != "" {
		rec.Diff = &monitor.Diff{Text: diff}
	}
	return rec
}

func target(pref monitor.NotificationPreference, webhook string) monitor.Target {
	return monitor.Target{
		ID:                     "t1",
		OwnerID:                "owner",
		URL:                    "https://example.com",
		Name:                   "Example",
		NotificationPreference: pref,
		WebhookURL:             webhook,
	}
}

func verified() monitor.NotificationPreferences {
	return monitor.NotificationPreferences{
		OwnerID:           "owner",
		NotificationEmail: "me@example.com",
		EmailVerified:     true,
	}
}

func channels(d Decision) []monitor.Channel {
	out := make([]monitor.Channel, 0, len(d.Dispatches))
	for _, dispatch := range d.Dispatches {
		out = append(out, dispatch.Channel)
	}
	return out
}

func TestEvaluateDecisionTable(t *testing.T) {
	t.Parallel()

	hook := "https://example.com/hook"
	cases := []struct {
		name   string
		target monitor.Target
		prefs  func() monitor.NotificationPreferences
		want   []monitor.Channel
	}{
		{"none", target(monitor.NotifyNone, hook), verified, []monitor.Channel{}},
		{"email", target(monitor.NotifyEmail, hook), verified, []monitor.Channel{monitor.ChannelEmail}},
		{"webhook", target(monitor.NotifyWebhook, hook), verified, []monitor.Channel{monitor.ChannelWebhook}},
		{"both", target(monitor.NotifyBoth, hook), verified, []monitor.Channel{monitor.ChannelEmail, monitor.ChannelWebhook}},
		{"both without webhook url", target(monitor.NotifyBoth, ""), verified, []monitor.Channel{monitor.ChannelEmail}},
		{"email unverified", target(monitor.NotifyBoth, hook), func() monitor.NotificationPreferences {
			p := verified()
			p.EmailVerified = false
			return p
		}, []monitor.Channel{monitor.ChannelWebhook}},
		{"email missing", target(monitor.NotifyEmail, ""), func() monitor.NotificationPreferences {
			return monitor.NotificationPreferences{EmailVerified: true}
		}, []monitor.Channel{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine := New(nil, manual.New(now), DefaultConfig(), nil)
			d, err := engine.Evaluate(context.Background(), changed("+x"), tc.target, tc.prefs())
			require.NoError(t, err)
			require.Equal(t, tc.want, channels(d))
		})
	}
}

func TestEvaluateOnlyChangedRecordsDispatch(t *testing.T) {
	t.Parallel()

	engine := New(nil, manual.New(now), DefaultConfig(), nil)
	for _, status := range []monitor.ChangeStatus{monitor.StatusNew, monitor.StatusSame, monitor.StatusRemoved} {
		rec := changed("")
		rec.Status = status
		d, err := engine.Evaluate(context.Background(), rec, target(monitor.NotifyBoth, "https://example.com/hook"), verified())
		require.NoError(t, err)
		require.Empty(t, d.Dispatches, status)
		require.Equal(t, SkipNotChanged, d.Skipped[monitor.ChannelEmail])
	}
}

func TestEvaluateEmailFiresRegardlessOfScoreWhenNotRequired(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{score: monitor.Score{Score: 5, Reasoning: "typo", Model: "m"}}
	engine := New(scorer, manual.New(now), DefaultConfig(), nil)
	prefs := verified()
	prefs.AIAnalysisEnabled = true
	prefs.MeaningfulThreshold = 70
	prefs.WebhookOnlyIfMeaningful = true

	d, err := engine.Evaluate(context.Background(), changed("+typo"), target(monitor.NotifyBoth, "https://example.com/hook"), prefs)
	require.NoError(t, err)
	require.Equal(t, []monitor.Channel{monitor.ChannelEmail}, channels(d))
	require.Equal(t, SkipNotMeaningful, d.Skipped[monitor.ChannelWebhook])
	require.False(t, d.Meaningful)
	require.Equal(t, 1, scorer.calls)
	require.NotNil(t, d.Dispatches[0].Payload.AIAnalysis)
	require.Equal(t, 5, d.Dispatches[0].Payload.AIAnalysis.Score)
}

func TestEvaluateMeaningfulScorePassesGate(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{score: monitor.Score{Score: 150, Reasoning: "price changed", Model: "m"}}
	engine := New(scorer, manual.New(now), DefaultConfig(), nil)
	prefs := verified()
	prefs.AIAnalysisEnabled = true
	prefs.MeaningfulThreshold = 70
	prefs.EmailOnlyIfMeaningful = true
	prefs.WebhookOnlyIfMeaningful = true

	d, err := engine.Evaluate(context.Background(), changed("+$10"), target(monitor.NotifyBoth, "https://example.com/hook"), prefs)
	require.NoError(t, err)
	require.Equal(t, []monitor.Channel{monitor.ChannelEmail, monitor.ChannelWebhook}, channels(d))
	require.Equal(t, 100, d.Analysis.Score)
	require.True(t, d.Analysis.IsMeaningful)
	require.Equal(t, now, d.Analysis.AnalyzedAt)
}

func TestEvaluateScorerFailureFailsOpen(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{err: errors.New("model overloaded")}
	engine := New(scorer, manual.New(now), DefaultConfig(), nil)
	prefs := verified()
	prefs.AIAnalysisEnabled = true
	prefs.MeaningfulThreshold = 90
	prefs.EmailOnlyIfMeaningful = true
	prefs.WebhookOnlyIfMeaningful = true

	d, err := engine.Evaluate(context.Background(), changed("+x"), target(monitor.NotifyBoth, "https://example.com/hook"), prefs)
	require.NoError(t, err)
	require.Equal(t, []monitor.Channel{monitor.ChannelEmail, monitor.ChannelWebhook}, channels(d))
	require.True(t, d.Analysis.Unavailable)
	require.Nil(t, d.Dispatches[1].Payload.AIAnalysis)
}

func TestEvaluateScorerFailureFailClosed(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{err: errors.New("model overloaded")}
	engine := New(scorer, manual.New(now), Config{FailOpen: false}, nil)
	prefs := verified()
	prefs.AIAnalysisEnabled = true
	prefs.EmailOnlyIfMeaningful = true

	d, err := engine.Evaluate(context.Background(), changed("+x"), target(monitor.NotifyBoth, "https://example.com/hook"), prefs)
	require.NoError(t, err)
	require.Equal(t, []monitor.Channel{monitor.ChannelWebhook}, channels(d))
}

func TestEvaluateSkipsScorerWithoutDiffOrWhenDisabled(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{score: monitor.Score{Score: 0}}
	engine := New(scorer, manual.New(now), DefaultConfig(), nil)
	prefs := verified()
	prefs.AIAnalysisEnabled = true
	prefs.MeaningfulThreshold = 50
	prefs.EmailOnlyIfMeaningful = true

	d, err := engine.Evaluate(context.Background(), changed(""), target(monitor.NotifyEmail, ""), prefs)
	require.NoError(t, err)
	require.Equal(t, []monitor.Channel{monitor.ChannelEmail}, channels(d))
	require.Nil(t, d.Analysis)

	prefs.AIAnalysisEnabled = false
	d, err = engine.Evaluate(context.Background(), changed("+x"), target(monitor.NotifyEmail, ""), prefs)
	require.NoError(t, err)
	require.Equal(t, []monitor.Channel{monitor.ChannelEmail}, channels(d))
	require.Zero(t, scorer.calls)
}

func TestEvaluateRejectsMismatchedTarget(t *testing.T) {
	t.Parallel()

	engine := New(nil, manual.New(now), DefaultConfig(), nil)
	other := target(monitor.NotifyEmail, "")
	other.ID = "t2"
	_, err := engine.Evaluate(context.Background(), changed("+x"), other, verified())
	require.Error(t, err)
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	tgt := target(monitor.NotifyWebhook, "https://example.com/hook")
	tgt.Name = ""
	p := BuildPayload(changed("+new line"), tgt, nil, 0)
	require.Equal(t, monitor.EventWebsiteChanged, p.Event)
	require.Equal(t, "t1", p.Website.ID)
	require.Equal(t, "https://example.com", p.Website.URL)
	require.Equal(t, tgt.DisplayName(), p.Website.Name)
	require.Equal(t, "+new line", p.Change.Summary)
	require.Equal(t, monitor.StatusChanged, p.Change.ChangeType)
	require.Equal(t, now, p.Change.DetectedAt)
	require.Nil(t, p.AIAnalysis)
}
