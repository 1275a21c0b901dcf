package monitor

import "errors"

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on uniqueness violations.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCheckInProgress is returned when a fresh checking placeholder exists.
	ErrCheckInProgress = errors.New("check already in progress")
	// ErrInvalidCrawlLimits is returned when a full-site target lacks limit or depth.
	ErrInvalidCrawlLimits = errors.New("crawl limit and depth must be positive")
	// ErrInvalidWebhookURL is returned for malformed webhook URLs.
	ErrInvalidWebhookURL = errors.New("invalid webhook url")
	// ErrInvalidTarget is returned when a target fails validation.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidProviderResponse marks provider payloads missing required fields.
	ErrInvalidProviderResponse = errors.New("invalid provider response")
	// ErrForbidden is returned when an owner touches another owner's document.
	ErrForbidden = errors.New("forbidden")
)
