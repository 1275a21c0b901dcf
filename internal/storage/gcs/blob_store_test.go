package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeGCS answers object metadata lookups and multipart uploads.
type fakeGCS struct {
	mu      sync.Mutex
	exists  map[string]bool
	uploads []string
	fail    bool
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, `{"error":{"code":403,"message":"denied"}}`)
		return
	}
	switch r.Method {
	case http.MethodGet:
		for name := range f.exists {
			if strings.Contains(r.URL.EscapedPath(), strings.ReplaceAll(name, "/", "%2F")) || strings.HasSuffix(r.URL.Path, name) {
				_, _ = fmt.Fprintf(w, `{"bucket":"snapshots","name":%q}`, name)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"error":{"code":404,"message":"Not Found"}}`)
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		name := r.URL.Query().Get("name")
		f.uploads = append(f.uploads, string(body))
		f.exists[name] = true
		_, _ = fmt.Fprintf(w, `{"bucket":"snapshots","name":%q}`, name)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T, fake *fakeGCS) *BlobStore {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "snapshots", Prefix: "/pagewatch/"}, nil)
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, nil)
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{}, nil)
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{exists: map[string]bool{}}
	store := newTestStore(t, fake)

	uri, err := store.PutObject(context.Background(), "snapshots/t1/abc.md", "text/markdown", strings.NewReader("# Home"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pagewatch/snapshots/t1/abc.md", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.uploads, 1)
	require.Contains(t, fake.uploads[0], "# Home")
}

func TestPutObjectSkipsExisting(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{exists: map[string]bool{"pagewatch/snapshots/t1/abc.md": true}}
	store := newTestStore(t, fake)

	uri, err := store.PutObject(context.Background(), "snapshots/t1/abc.md", "text/markdown", strings.NewReader("# Home"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pagewatch/snapshots/t1/abc.md", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Empty(t, fake.uploads)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeGCS{exists: map[string]bool{}, fail: true})
	_, err := store.PutObject(context.Background(), "snapshots/t1/abc.md", "text/markdown", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
}
