package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/emailtmpl"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/webhook"
)

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	prefs, err := s.deps.Store.GetPreferences(ctx, owner)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		prefs = monitor.NotificationPreferences{OwnerID: owner}
	case err != nil:
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs monitor.NotificationPreferences
	if err := decodeBody(r, &prefs); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	prefs.OwnerID = ownerID(r)
	if err := prefs.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := emailtmpl.ValidateTemplate(prefs.CustomEmailTemplate); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.deps.Store.PutPreferences(ctx, prefs); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

type templateRequest struct {
	Template string `json:"template"`
}

type templateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := emailtmpl.ValidateTemplate(req.Template); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, templateResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, templateResponse{Valid: true})
}

// webhookProxy relays a payload to a webhook the browser cannot reach
// directly. Upstream non-2xx responses are reported, not failed.
func (s *Server) webhookProxy(w http.ResponseWriter, r *http.Request) {
	var req webhook.ProxyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := monitor.ValidateWebhookURL(req.TargetURL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		s.writeError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}
	resp, err := s.deps.Proxy.Forward(r.Context(), req)
	if err != nil {
		s.logger.Warn("webhook proxy failed", zap.String("target", req.TargetURL), zap.Error(err))
		s.writeJSON(w, http.StatusBadGateway, webhook.ProxyResponse{Body: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
