package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/notify"
)

const maxBodyBytes = 1 << 20

// defaultCheckIntervalMinutes applies when a saved target omits an interval.
const defaultCheckIntervalMinutes = 60

type targetRequest struct {
	ID                     string                         `json:"id"`
	URL                    string                         `json:"url"`
	Name                   string                         `json:"name"`
	Kind                   monitor.TargetKind             `json:"kind"`
	Active                 *bool                          `json:"active"`
	Paused                 bool                           `json:"paused"`
	CheckIntervalMinutes   float64                        `json:"check_interval_minutes"`
	NotificationPreference monitor.NotificationPreference `json:"notification_preference"`
	WebhookURL             string                         `json:"webhook_url"`
	CrawlLimit             int                            `json:"crawl_limit"`
	CrawlDepth             int                            `json:"crawl_depth"`
}

func (req targetRequest) target(owner string) monitor.Target {
	t := monitor.Target{
		ID:                     req.ID,
		OwnerID:                owner,
		URL:                    req.URL,
		Name:                   req.Name,
		Kind:                   req.Kind,
		Active:                 true,
		Paused:                 req.Paused,
		CheckIntervalMinutes:   req.CheckIntervalMinutes,
		NotificationPreference: req.NotificationPreference,
		WebhookURL:             req.WebhookURL,
		CrawlLimit:             req.CrawlLimit,
		CrawlDepth:             req.CrawlDepth,
	}
	if req.Active != nil {
		t.Active = *req.Active
	}
	if t.Kind == "" {
		t.Kind = monitor.KindSinglePage
	}
	if t.NotificationPreference == "" {
		t.NotificationPreference = monitor.NotifyNone
	}
	if t.CheckIntervalMinutes == 0 {
		t.CheckIntervalMinutes = defaultCheckIntervalMinutes
	}
	return t
}

func (s *Server) upsertTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner := ownerID(r)
	target := req.target(owner)
	if err := target.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	status := http.StatusOK
	if target.ID != "" {
		existing, err := s.deps.Store.GetTarget(ctx, owner, target.ID)
		switch {
		case err == nil:
			target.CreatedAt = existing.CreatedAt
			target.LastCheckedAt = existing.LastCheckedAt
		case errors.Is(err, monitor.ErrNotFound):
			// An id the owner does not hold must not overwrite another owner's target.
			s.writeError(w, http.StatusNotFound, "target not found")
			return
		default:
			s.fail(w, r, err)
			return
		}
	} else {
		id, err := s.deps.IDs.NewID()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		target.ID = id
		target.CreatedAt = s.deps.Clock.Now()
		status = http.StatusCreated
	}
	if err := s.deps.Store.UpsertTarget(ctx, target); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("target saved", zap.String("target_id", target.ID), zap.String("owner_id", owner))
	s.writeJSON(w, status, target)
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	target, err := s.deps.Store.GetTarget(ctx, ownerID(r), chi.URLParam(r, "target_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if err := s.deps.Teardowns.Schedule(r.Context(), ownerID(r), targetID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"target_id": targetID, "status": "deleting"})
}

type outcomeResponse struct {
	Channel    monitor.Channel `json:"channel"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Proxied    bool            `json:"proxied,omitempty"`
}

type checkResponse struct {
	Record        *monitor.ChangeRecord      `json:"record,omitempty"`
	Session       *monitor.CrawlSession      `json:"session,omitempty"`
	Analysis      *monitor.AIAnalysis        `json:"ai_analysis,omitempty"`
	Notifications []outcomeResponse          `json:"notifications,omitempty"`
	Skipped       map[monitor.Channel]string `json:"skipped,omitempty"`
	NotifyError   string                     `json:"notify_error,omitempty"`
}

func newCheckResponse(rep notify.Report) checkResponse {
	resp := checkResponse{Analysis: rep.Decision.Analysis, Skipped: rep.Decision.Skipped}
	for _, o := range rep.Outcomes {
		out := outcomeResponse{Channel: o.Channel, OK: o.Err == nil, StatusCode: o.StatusCode, Proxied: o.Proxied}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Notifications = append(resp.Notifications, out)
	}
	return resp
}

func (s *Server) checkTarget(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Checks.CheckNow(r.Context(), ownerID(r), chi.URLParam(r, "target_id"))
	resp := newCheckResponse(res.Report)
	resp.Record = res.Record
	resp.Session = res.Session

	switch {
	case err == nil && res.Session != nil:
		s.writeJSON(w, http.StatusAccepted, resp)
	case err == nil:
		s.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, monitor.ErrCheckInProgress):
		s.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "session": res.Session})
	case res.Record != nil:
		// The record is stored; only notification failed.
		s.logger.Warn("check notification failed", zap.String("record_id", res.Record.ID), zap.Error(err))
		resp.NotifyError = err.Error()
		s.writeJSON(w, http.StatusOK, resp)
	default:
		s.fail(w, r, err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(dst)
}
