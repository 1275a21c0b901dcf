package monitor

import "time"

// EventWebsiteChanged is the event name carried by webhook payloads.
const EventWebsiteChanged = "website_changed"

// WebhookPayload is the JSON body delivered to webhook consumers.
type WebhookPayload struct {
	Event      string             `json:"event"`
	Website    WebhookWebsite     `json:"website"`
	Change     WebhookChange      `json:"change"`
	AIAnalysis *WebhookAIAnalysis `json:"ai_analysis,omitempty"`
}

// WebhookWebsite identifies the target in a payload.
type WebhookWebsite struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// WebhookChange describes the change in a payload.
type WebhookChange struct {
	DetectedAt time.Time    `json:"detected_at"`
	ChangeType ChangeStatus `json:"change_type"`
	Status     ChangeStatus `json:"status"`
	Summary    string       `json:"summary"`
	Diff       *Diff        `json:"diff,omitempty"`
}

// WebhookAIAnalysis is the AI verdict in a payload.
type WebhookAIAnalysis struct {
	Score        int       `json:"score"`
	IsMeaningful bool      `json:"is_meaningful"`
	Reasoning    string    `json:"reasoning"`
	Model        string    `json:"model"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}
