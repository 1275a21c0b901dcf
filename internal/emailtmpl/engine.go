package emailtmpl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// ErrNoRecipient is returned when Send has no address to deliver to.
var ErrNoRecipient = errors.New("email recipient is required")

// Config holds sender settings.
type Config struct {
	From string
	// DashboardURL is the base of viewChangesUrl links.
	DashboardURL string
}

// Engine renders notifications and hands them to an EmailSender.
type Engine struct {
	sender monitor.EmailSender
	cfg    Config
	logger *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(sender monitor.EmailSender, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{sender: sender, cfg: cfg, logger: logger.Named("emailtmpl")}
}

// Vars derives template values for payload using the configured dashboard.
func (e *Engine) Vars(payload monitor.WebhookPayload, pageTitle string) Vars {
	return NewVars(payload, pageTitle, e.cfg.DashboardURL)
}

// Send renders vars with customTemplate (blank for the built-in one) and
// delivers the result to to.
func (e *Engine) Send(ctx context.Context, to string, vars Vars, customTemplate string) error {
	if to == "" {
		return ErrNoRecipient
	}
	email := monitor.Email{
		From:    e.cfg.From,
		To:      to,
		Subject: Subject(vars),
		HTML:    Render(customTemplate, vars),
	}
	if err := e.sender.Send(ctx, email); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	e.logger.Debug("email sent", zap.String("to", to), zap.String("subject", email.Subject))
	return nil
}
