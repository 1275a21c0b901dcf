package resend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestSendPostsEmail(t *testing.T) {
	t.Parallel()

	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/emails", r.URL.Path)
		require.Equal(t, "Bearer re_key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"em_1"}`))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, APIKey: "re_key"}, nil)
	err := s.Send(context.Background(), monitor.Email{
		From: "alerts@pagewatch.dev", To: "owner@example.com", Subject: "Changed", HTML: "<p>hi</p>",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"owner@example.com"}, got.To)
	require.Equal(t, "Changed", got.Subject)
	require.Equal(t, "<p>hi</p>", got.HTML)
}

func TestSendRejectsNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}, nil).Send(context.Background(), monitor.Email{To: "a@b.c"})
	require.ErrorContains(t, err, "status 422")
	require.ErrorContains(t, err, "invalid from")
}

func TestSendRequiresRecipient(t *testing.T) {
	t.Parallel()

	err := New(Config{}, nil).Send(context.Background(), monitor.Email{})
	require.Error(t, err)
}
