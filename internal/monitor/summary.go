package monitor

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// SummaryMaxLen bounds human summaries, ellipsis included.
	SummaryMaxLen = 200
	// DefaultSummary is used when a change has no diff text.
	DefaultSummary = "Content has changed"
	ellipsis       = "..."
)

var plainText = bluemonday.StrictPolicy()

// Summarize turns diff text into a plain-text summary of at most max runes,
// suffixed with an ellipsis when truncated. Non-positive max uses SummaryMaxLen.
// Markup is stripped but the result is not HTML-escaped.
func Summarize(diffText string, max int) string {
	if max <= 0 {
		max = SummaryMaxLen
	}
	text := strings.TrimSpace(html.UnescapeString(plainText.Sanitize(diffText)))
	if text == "" {
		return DefaultSummary
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := max - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + ellipsis
}
