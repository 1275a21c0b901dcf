package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	readTimeout       = 5 * time.Second
	defaultPageSize   = 50
	maxPageSize       = 500
	defaultAlertLimit = 200
)

type changesResponse struct {
	Items  []monitor.ChangeRecord `json:"items"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	targetID := chi.URLParam(r, "target_id")
	limit, offset, err := parseLimitOffset(r, defaultPageSize, maxPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if _, err := s.deps.Store.GetTarget(ctx, owner, targetID); err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.deps.Store.ListChanges(ctx, owner, targetID, limit+offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changesResponse{Items: page(records, limit, offset), Limit: limit, Offset: offset})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	targetID := chi.URLParam(r, "target_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	deliveries, err := s.deps.Store.ListDeliveries(ctx, owner, targetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if deliveries == nil {
		deliveries = []monitor.DeliveryRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": deliveries})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	session, err := s.deps.Store.GetSession(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if session.OwnerID != ownerID(r) {
		s.writeError(w, http.StatusNotFound, "crawl session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	unread := false
	if v := r.URL.Query().Get("unread"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid unread flag")
			return
		}
		unread = parsed
	}
	limit, offset, err := parseLimitOffset(r, defaultAlertLimit, maxPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	alerts, err := s.deps.Store.ListAlerts(ctx, ownerID(r), unread)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	alerts = page(alerts, limit, offset)
	s.writeJSON(w, http.StatusOK, map[string]any{"items": alerts, "limit": limit, "offset": offset})
}

func (s *Server) markAlertRead(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.deps.Store.MarkAlertRead(ctx, ownerID(r), chi.URLParam(r, "alert_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
