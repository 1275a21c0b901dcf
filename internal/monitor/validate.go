package monitor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateWebhookURL rejects webhook URLs that cannot be delivered to.
func ValidateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidWebhookURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidWebhookURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidWebhookURL)
	}
	return nil
}

// Validate checks a target before it is saved.
func (t Target) Validate() error {
	if err := validatorInstance().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidTarget, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if t.NotificationPreference.WantsWebhook() || t.WebhookURL != "" {
		if err := ValidateWebhookURL(t.WebhookURL); err != nil {
			return err
		}
	}
	if t.Kind == KindFullSite {
		if err := t.ValidateCrawlLimits(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCrawlLimits enforces positive crawl limit and depth.
func (t Target) ValidateCrawlLimits() error {
	if t.CrawlLimit <= 0 || t.CrawlDepth <= 0 {
		return fmt.Errorf("%w: limit=%d depth=%d", ErrInvalidCrawlLimits, t.CrawlLimit, t.CrawlDepth)
	}
	return nil
}

// Validate checks owner preferences before they are saved.
func (p NotificationPreferences) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("validate preferences: %w", err)
	}
	return nil
}
