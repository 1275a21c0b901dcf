package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/webhook"
)

func TestServer_PreferencesDefaultAndSave(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(http.MethodGet, "/v1/preferences", "", "owner")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"owner_id":"owner"`)

	body := `{"owner_id":"spoofed","ai_analysis_enabled":true,"meaningful_threshold":60,` +
		`"custom_email_template":"<p>{{websiteName}} changed</p>","notification_email":"ops@example.com"}`
	rec = h.do(http.MethodPut, "/v1/preferences", body, "owner")
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := h.store.GetPreferences(context.Background(), "owner")
	require.NoError(t, err)
	require.Equal(t, "owner", saved.OwnerID)
	require.True(t, saved.AIAnalysisEnabled)
	require.Equal(t, 60, saved.MeaningfulThreshold)
}

func TestServer_PreferencesRejectsInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(http.MethodPut, "/v1/preferences", `{"meaningful_threshold":101}`, "owner")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPut, "/v1/preferences", `{"custom_email_template":"{{bogus}}"}`, "owner")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "bogus")

	_, err := h.store.GetPreferences(context.Background(), "owner")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestServer_ValidateTemplate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(http.MethodPost, "/v1/templates/validate", `{"template":"{{ websiteName }} at {{changeDate}}"}`, "owner")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"valid":true}`, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/templates/validate", `{"template":"{{nope}} {{other}}"}`, "owner")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp templateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Valid)
	require.Contains(t, resp.Error, "nope, other")
}

func TestServer_WebhookProxy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.proxy.resp = webhook.ProxyResponse{Status: http.StatusTeapot, OK: false, Body: "short and stout"}
	rec := h.do(http.MethodPost, "/api/webhook-proxy", `{"targetUrl":"http://localhost:9000/hook","payload":{"event":"website_changed"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":418,"ok":false,"body":"short and stout"}`, rec.Body.String())

	require.Len(t, h.proxy.reqs, 1)
	require.Equal(t, "http://localhost:9000/hook", h.proxy.reqs[0].TargetURL)
	require.JSONEq(t, `{"event":"website_changed"}`, string(h.proxy.reqs[0].Payload))
}

func TestServer_WebhookProxyErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `nope`, http.StatusBadRequest},
		{"bad url", `{"targetUrl":"ftp://x","payload":{}}`, http.StatusBadRequest},
		{"missing payload", `{"targetUrl":"http://localhost/hook"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Options{})
			rec := h.do(http.MethodPost, "/api/webhook-proxy", tc.body, "")
			require.Equal(t, tc.code, rec.Code)
			require.Empty(t, h.proxy.reqs)
		})
	}

	h := newHarness(t, Options{})
	h.proxy.err = errors.New("forward webhook: post: connection refused")
	rec := h.do(http.MethodPost, "/api/webhook-proxy", `{"targetUrl":"http://localhost/hook","payload":{}}`, "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}
