package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model": "gpt-test",
		"choices": []any{
			map[string]any{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func TestScoreParsesVerdict(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion(`{"score": 82, "reasoning": "price went up"}`)))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, APIKey: "key", MaxDiffChars: 10}, nil)
	score, err := s.Score(context.Background(), strings.Repeat("x", 50))
	require.NoError(t, err)
	require.Equal(t, 82, score.Score)
	require.Equal(t, "price went up", score.Reasoning)
	require.Equal(t, "gpt-test", score.Model)

	require.Equal(t, DefaultModel, got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Messages[1].Content, 10)
	require.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestScoreClamps(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(completion(`{"score": 140}`)))
	}))
	defer srv.Close()

	score, err := New(Config{BaseURL: srv.URL}, nil).Score(context.Background(), "diff")
	require.NoError(t, err)
	require.Equal(t, 100, score.Score)
}

func TestScoreErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status int
		body   string
		want   string
	}{
		"http error":    {status: http.StatusTooManyRequests, body: `rate limited`, want: "status 429"},
		"no choices":    {status: http.StatusOK, body: `{"choices":[]}`, want: "no choices"},
		"bad verdict":   {status: http.StatusOK, body: completion(`not json`), want: "decode verdict"},
		"missing score": {status: http.StatusOK, body: completion(`{"reasoning":"?"}`), want: "score missing"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}, nil).Score(context.Background(), "diff")
			require.ErrorContains(t, err, tc.want)
		})
	}

	_, err := New(Config{}, nil).Score(context.Background(), "  ")
	require.Error(t, err)
}
