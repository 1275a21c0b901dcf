// Package openai rates diffs with an OpenAI-compatible chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gpt-4o-mini"
	// DefaultMaxDiffChars bounds the diff text sent to the model.
	DefaultMaxDiffChars = 8000
)

const systemPrompt = `You review diffs of monitored web pages. Rate from 0 to 100 how meaningful the change is to a human reader. Cosmetic changes such as timestamps, counters, ads, session tokens or reordered navigation score low; changes to prices, availability, policies, dates or substantive text score high. Reply with a JSON object {"score": <integer>, "reasoning": "<one sentence>"}.`

// Config configures a Scorer.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	MaxDiffChars int
}

// Scorer implements monitor.MeaningfulnessScorer.
type Scorer struct {
	endpoint string
	apiKey   string
	model    string
	maxDiff  int
	client   *http.Client
	logger   *zap.Logger
}

// New constructs a Scorer.
func New(cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxDiff := cfg.MaxDiffChars
	if maxDiff <= 0 {
		maxDiff = DefaultMaxDiffChars
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scorer{
		endpoint: base + "/v1/chat/completions",
		apiKey:   cfg.APIKey,
		model:    model,
		maxDiff:  maxDiff,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("openai"),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Score     *float64 `json:"score"`
	Reasoning string   `json:"reasoning"`
}

// Score asks the model to rate diffText.
func (s *Scorer) Score(ctx context.Context, diffText string) (monitor.Score, error) {
	ctx, span := otel.Tracer("pagewatch/openai").Start(ctx, "openai.score")
	defer span.End()

	if strings.TrimSpace(diffText) == "" {
		return monitor.Score{}, errors.New("score: diff text is empty")
	}
	if len(diffText) > s.maxDiff {
		diffText = diffText[:s.maxDiff]
	}
	body, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: diffText},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return monitor.Score{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return monitor.Score{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return monitor.Score{}, fmt.Errorf("post chat completion: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Warn("failed to close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return monitor.Score{}, fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return monitor.Score{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return monitor.Score{}, fmt.Errorf("chat completion: %w: no choices", monitor.ErrInvalidProviderResponse)
	}
	var v verdict
	if err := json.Unmarshal([]byte(out.Choices[0].Message.Content), &v); err != nil {
		return monitor.Score{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Score == nil {
		return monitor.Score{}, fmt.Errorf("verdict: %w: score missing", monitor.ErrInvalidProviderResponse)
	}
	model := out.Model
	if model == "" {
		model = s.model
	}
	return monitor.Score{
		Score:     clamp(int(*v.Score+0.5), 0, 100),
		Reasoning: v.Reasoning,
		Model:     model,
	}, nil
}

func clamp(v, lo, hi int) int {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
