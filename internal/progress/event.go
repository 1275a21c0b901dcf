package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported pipeline stages.
const (
	StageCheckStart    Stage = "CHECK_START"
	StageCheckDone     Stage = "CHECK_DONE"
	StageCheckError    Stage = "CHECK_ERROR"
	StageCrawlStart    Stage = "CRAWL_START"
	StageCrawlPoll     Stage = "CRAWL_POLL"
	StageCrawlDone     Stage = "CRAWL_DONE"
	StageCrawlFailed   Stage = "CRAWL_FAILED"
	StageCrawlTimeout  Stage = "CRAWL_TIMEOUT"
	StageNotifySent    Stage = "NOTIFY_SENT"
	StageNotifyFailed  Stage = "NOTIFY_FAILED"
	StageNotifySkipped Stage = "NOTIFY_SKIPPED"
	StageTeardownDone  Stage = "TEARDOWN_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for webhook deliveries.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single pipeline milestone.
type Event struct {
	// TargetID identifies the monitored target the event belongs to.
	TargetID string
	OwnerID  string
	// SessionID is set for crawl events.
	SessionID string
	// RecordID is the change record a check or notification refers to.
	RecordID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	URL   string
	// ChangeStatus is the classification produced by a finished check.
	ChangeStatus monitor.ChangeStatus
	// Channel is set for notification events.
	Channel    monitor.Channel
	StatusCode int
	Proxied    bool
	// Attempt is the poll attempt for CRAWL_POLL events.
	Attempt int
	// Pages is the number of pages a finished crawl returned.
	Pages int
	Dur   time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TargetID == "" {
		return errors.New("target id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCheckStart, StageCheckError, StageTeardownDone:
	case StageCheckDone:
		if e.ChangeStatus == "" {
			return errors.New("check done requires change status")
		}
	case StageCrawlStart, StageCrawlPoll, StageCrawlDone, StageCrawlFailed, StageCrawlTimeout:
		if e.SessionID == "" {
			return errors.New("crawl events require session id")
		}
	case StageNotifySent, StageNotifyFailed, StageNotifySkipped:
		if e.Channel == "" {
			return errors.New("notify events require channel")
		}
		if e.RecordID == "" {
			return errors.New("notify events require record id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for delivery events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
