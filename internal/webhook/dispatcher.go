// Package webhook delivers change payloads to owner webhooks, routing local
// and private targets through a same-origin proxy.
package webhook

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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
)

const (
	// DefaultUserAgent identifies direct deliveries.
	DefaultUserAgent = "pagewatch-webhook/1.0"
	// DefaultTimeout bounds one delivery.
	DefaultTimeout = 10 * time.Second
	// MaxResponseBody caps how much of a response body is read.
	MaxResponseBody int64 = 64 << 10
)

var (
	// ErrDeliveryFailed is returned for non-2xx responses and transport errors.
	ErrDeliveryFailed = errors.New("webhook delivery failed")
	// ErrNoProxy is returned when a local target is dispatched without a proxy.
	ErrNoProxy = errors.New("webhook proxy url is not configured")
)

// ProxyRequest is the body accepted by the webhook proxy endpoint.
type ProxyRequest struct {
	TargetURL string          `json:"targetUrl"`
	Payload   json.RawMessage `json:"payload"`
}

// ProxyResponse is returned by the webhook proxy endpoint.
type ProxyResponse struct {
	Status int    `json:"status"`
	OK     bool   `json:"ok"`
	Body   string `json:"body,omitempty"`
}

// Result describes one delivery.
type Result struct {
	StatusCode int
	Proxied    bool
	Body       string
}

// Config configures a Dispatcher.
type Config struct {
	// ProxyURL is the same-origin proxy endpoint used for local targets.
	ProxyURL  string
	UserAgent string
	Timeout   time.Duration
}

// Dispatcher posts payloads to webhooks. It never retries.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	latency metric.Float64Histogram
	logger  *zap.Logger
}

// New constructs a Dispatcher. client, limiter and logger may be nil.
func New(cfg Config, client *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) *Dispatcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("webhook")
	latency, err := otel.Meter("pagewatch/webhook").Float64Histogram(
		"pagewatch.webhook.delivery.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Webhook delivery latency."),
	)
	if err != nil {
		logger.Warn("webhook latency histogram unavailable", zap.Error(err))
	}
	return &Dispatcher{cfg: cfg, client: client, limiter: limiter, latency: latency, logger: logger}
}

// IsLocalTarget reports whether rawURL points at a loopback or private host.
// The check is a substring match, not CIDR containment, and ignores IPv6.
func IsLocalTarget(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, s := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	rest := lower
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	for _, p := range []string{"192.168.", "10.", "172."} {
		if strings.HasPrefix(rest, p) {
			return true
		}
	}
	return false
}

// Dispatch delivers payload to targetURL, through the proxy when the target is
// local. Any non-2xx outcome is reported as ErrDeliveryFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, targetURL string, payload any) (Result, error) {
	ctx, span := otel.Tracer("pagewatch/webhook").Start(ctx, "webhook.Dispatch")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	local := IsLocalTarget(targetURL)
	span.SetAttributes(attribute.Bool("webhook.proxied", local))

	start := time.Now()
	var res Result
	if local {
		res, err = d.viaProxy(ctx, targetURL, body)
	} else {
		res, err = d.direct(ctx, targetURL, body)
	}
	d.observe(ctx, time.Since(start), local, err)
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("webhook delivery failed",
			zap.String("host", ratelimit.Host(targetURL)),
			zap.Bool("proxied", local),
			zap.Int("status", res.StatusCode),
			zap.Error(err),
		)
		return res, err
	}
	d.logger.Debug("webhook delivered",
		zap.String("host", ratelimit.Host(targetURL)),
		zap.Bool("proxied", local),
		zap.Int("status", res.StatusCode),
	)
	return res, nil
}

func (d *Dispatcher) observe(ctx context.Context, took time.Duration, proxied bool, err error) {
	if d.latency == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.latency.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.Bool("proxied", proxied),
		attribute.String("result", result),
	))
}

func (d *Dispatcher) direct(ctx context.Context, targetURL string, body []byte) (Result, error) {
	if err := d.limiter.Wait(ctx, targetURL); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	status, respBody, err := d.post(ctx, targetURL, body)
	res := Result{StatusCode: status, Body: respBody}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if !success(status) {
		return res, fmt.Errorf("%w: status %d", ErrDeliveryFailed, status)
	}
	return res, nil
}

func (d *Dispatcher) viaProxy(ctx context.Context, targetURL string, body []byte) (Result, error) {
	res := Result{Proxied: true}
	if d.cfg.ProxyURL == "" {
		return res, fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrNoProxy)
	}
	req, err := json.Marshal(ProxyRequest{TargetURL: targetURL, Payload: body})
	if err != nil {
		return res, fmt.Errorf("marshal proxy request: %w", err)
	}
	status, respBody, err := d.post(ctx, d.cfg.ProxyURL, req)
	if err != nil {
		return res, fmt.Errorf("%w: proxy: %v", ErrDeliveryFailed, err)
	}
	var proxied ProxyResponse
	if jsonErr := json.Unmarshal([]byte(respBody), &proxied); jsonErr != nil {
		res.StatusCode = status
		if !success(status) {
			return res, fmt.Errorf("%w: proxy status %d", ErrDeliveryFailed, status)
		}
		return res, fmt.Errorf("%w: decode proxy response: %v", ErrDeliveryFailed, jsonErr)
	}
	res.StatusCode = proxied.Status
	res.Body = proxied.Body
	if !success(status) || !proxied.OK || !success(proxied.Status) {
		return res, fmt.Errorf("%w: proxied status %d", ErrDeliveryFailed, proxied.Status)
	}
	return res, nil
}

// Forward is the server-side half of the proxy: it posts the payload to the
// target directly and reports the outcome. Non-2xx responses are not errors.
func (d *Dispatcher) Forward(ctx context.Context, req ProxyRequest) (ProxyResponse, error) {
	if err := monitor.ValidateWebhookURL(req.TargetURL); err != nil {
		return ProxyResponse{}, err
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return ProxyResponse{}, fmt.Errorf("forward webhook: payload must be valid JSON")
	}
	if err := d.limiter.Wait(ctx, req.TargetURL); err != nil {
		return ProxyResponse{}, err
	}
	status, body, err := d.post(ctx, req.TargetURL, req.Payload)
	if err != nil {
		return ProxyResponse{}, fmt.Errorf("forward webhook: %w", err)
	}
	return ProxyResponse{Status: status, OK: success(status), Body: body}, nil
}

func (d *Dispatcher) post(ctx context.Context, target string, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(data), nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}
