// Package emailtmpl renders change notification emails from the built-in or an
// owner-supplied template and sanitizes the result.
package emailtmpl

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Template variable names. The set is closed.
const (
	VarWebsiteName       = "websiteName"
	VarWebsiteURL        = "websiteUrl"
	VarChangeDate        = "changeDate"
	VarChangeType        = "changeType"
	VarPageTitle         = "pageTitle"
	VarViewChangesURL    = "viewChangesUrl"
	VarAIMeaningfulScore = "aiMeaningfulScore"
	VarAIIsMeaningful    = "aiIsMeaningful"
	VarAIReasoning       = "aiReasoning"
	VarAIModel           = "aiModel"
	VarAIAnalyzedAt      = "aiAnalyzedAt"
)

// Variables lists every recognized variable.
var Variables = []string{
	VarWebsiteName,
	VarWebsiteURL,
	VarChangeDate,
	VarChangeType,
	VarPageTitle,
	VarViewChangesURL,
	VarAIMeaningfulScore,
	VarAIIsMeaningful,
	VarAIReasoning,
	VarAIModel,
	VarAIAnalyzedAt,
}

// ErrUnknownVariable reports a placeholder outside the recognized set.
var ErrUnknownVariable = errors.New("unknown template variable")

// DateLayout formats changeDate and aiAnalyzedAt.
const DateLayout = "Jan 2, 2006 15:04 MST"

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
	textPolicy    = bluemonday.StrictPolicy()
)

// Vars holds the values substituted into a template.
type Vars struct {
	WebsiteName       string
	WebsiteURL        string
	ChangeDate        string
	ChangeType        string
	PageTitle         string
	ViewChangesURL    string
	AIMeaningfulScore string
	AIIsMeaningful    string
	AIReasoning       string
	AIModel           string
	AIAnalyzedAt      string
}

// HasAI reports whether AI fields are populated.
func (v Vars) HasAI() bool {
	return v.AIModel != "" || v.AIMeaningfulScore != ""
}

func (v Vars) lookup() map[string]string {
	return map[string]string{
		VarWebsiteName:       v.WebsiteName,
		VarWebsiteURL:        v.WebsiteURL,
		VarChangeDate:        v.ChangeDate,
		VarChangeType:        v.ChangeType,
		VarPageTitle:         v.PageTitle,
		VarViewChangesURL:    v.ViewChangesURL,
		VarAIMeaningfulScore: v.AIMeaningfulScore,
		VarAIIsMeaningful:    v.AIIsMeaningful,
		VarAIReasoning:       v.AIReasoning,
		VarAIModel:           v.AIModel,
		VarAIAnalyzedAt:      v.AIAnalyzedAt,
	}
}

// NewVars derives template values from a webhook payload. dashboardURL is the
// base of the viewChangesUrl link and may be empty.
func NewVars(payload monitor.WebhookPayload, pageTitle, dashboardURL string) Vars {
	v := Vars{
		WebsiteName: payload.Website.Name,
		WebsiteURL:  payload.Website.URL,
		ChangeDate:  FormatDate(payload.Change.DetectedAt),
		ChangeType:  string(payload.Change.ChangeType),
		PageTitle:   pageTitle,
	}
	if v.PageTitle == "" {
		v.PageTitle = payload.Website.Name
	}
	if dashboardURL != "" {
		v.ViewChangesURL = strings.TrimRight(dashboardURL, "/") + "/websites/" + payload.Website.ID
	}
	if ai := payload.AIAnalysis; ai != nil {
		v.AIMeaningfulScore = strconv.Itoa(ai.Score)
		v.AIIsMeaningful = strconv.FormatBool(ai.IsMeaningful)
		v.AIReasoning = ai.Reasoning
		v.AIModel = ai.Model
		v.AIAnalyzedAt = FormatDate(ai.AnalyzedAt)
	}
	return v
}

// ValidateTemplate rejects placeholders outside the recognized set. It is
// meant for save time; Render leaves unknown placeholders untouched.
func ValidateTemplate(tpl string) error {
	var unknown []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		name := m[1]
		if !slices.Contains(Variables, name) && !slices.Contains(unknown, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, strings.Join(unknown, ", "))
	}
	return nil
}

// Render substitutes vars into tpl, or into the built-in template when tpl is
// blank, and sanitizes the result. Values are reduced to escaped plain text.
func Render(tpl string, vars Vars) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultTemplate(vars)
	}
	return Sanitize(substitute(tpl, vars))
}

// Subject renders the subject line as plain text.
func Subject(vars Vars) string {
	name := vars.WebsiteName
	if name == "" {
		name = vars.WebsiteURL
	}
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize("Change detected on " + name)))
}

func substitute(tpl string, vars Vars) string {
	values := vars.lookup()
	return placeholderRe.ReplaceAllStringFunc(tpl, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		value, ok := values[name]
		if !ok {
			return token
		}
		return textPolicy.Sanitize(value)
	})
}

func defaultTemplate(vars Vars) string {
	if vars.HasAI() {
		return defaultHeader + defaultAI + defaultFooter
	}
	return defaultHeader + defaultFooter
}

// FormatDate formats t the way templates display dates.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

const defaultHeader = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #1f2933; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #2563eb;">Change detected on {{websiteName}}</h2>
  <p>We noticed a <strong>{{changeType}}</strong> on <a href="{{websiteUrl}}">{{pageTitle}}</a>.</p>
  <table style="border-collapse: collapse; width: 100%;">
    <tr><td style="padding: 4px 8px; color: #616e7c;">Website</td><td style="padding: 4px 8px;">{{websiteUrl}}</td></tr>
    <tr><td style="padding: 4px 8px; color: #616e7c;">Detected</td><td style="padding: 4px 8px;">{{changeDate}}</td></tr>
  </table>
`

const defaultAI = `  <div style="margin-top: 16px; padding: 12px; background: #f5f7fa; border-radius: 6px;">
    <p style="margin: 0 0 8px 0;"><strong>AI analysis</strong> ({{aiModel}}, {{aiAnalyzedAt}})</p>
    <p style="margin: 0;">Score: {{aiMeaningfulScore}} / 100 &middot; Meaningful: {{aiIsMeaningful}}</p>
    <p style="margin: 8px 0 0 0;">{{aiReasoning}}</p>
  </div>
`

const defaultFooter = `  <p style="margin-top: 24px;"><a href="{{viewChangesUrl}}" style="background: #2563eb; color: #ffffff; padding: 10px 16px; border-radius: 4px; text-decoration: none;">View changes</a></p>
  <p style="font-size: 12px; color: #9aa5b1;">You are receiving this because notifications are enabled for this website.</p>
</body>
</html>
`
