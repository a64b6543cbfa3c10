package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/john/streambot/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVideoID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://youtu.be/abc123", "abc123", true},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42", "dQw4w9WgXcQ", true},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtube.com/shorts/abcDEF_-123", "abcDEF_-123", true},
		{"https://www.youtube.com/embed/xyz", "xyz", true},
		{"https://www.youtube.com/watch", "", false},
		{"https://vimeo.com/12345", "", false},
		{"never gonna give you up", "", false},
		{"https://youtu.be/", "", false},
	}
	for _, tt := range tests {
		got, ok := VideoID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func newTestResolver(t *testing.T, handler http.HandlerFunc, apiKey string) *Resolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		OEmbedURL: srv.URL + "/oembed",
		SearchURL: srv.URL + "/search",
		APIKey:    apiKey,
	}, zap.NewNop(), metrics.NewUnregistered())
}

func TestResolve_URL(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/oembed", req.URL.Path)
		assert.Equal(t, "https://www.youtube.com/watch?v=abc123", req.URL.Query().Get("url"))
		_, _ = w.Write([]byte(`{"title":"Test Song","author_name":"Artist"}`))
	}, "")

	req, err := r.Resolve(context.Background(), " https://youtu.be/abc123 ", "user")
	require.NoError(t, err)
	assert.Equal(t, "abc123", req.ID)
	assert.Equal(t, "Test Song", req.Title)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", req.URL)
	assert.Equal(t, "user", req.Requester)
}

func TestResolve_MissingVideo(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	}, "")

	_, err := r.Resolve(context.Background(), "https://youtu.be/gone", "user")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_Invalid(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		t.Errorf("unexpected request to %s", req.URL)
	}, "")

	for _, q := range []string{"", "   ", "https://vimeo.com/1", "some song title"} {
		_, err := r.Resolve(context.Background(), q, "user")
		assert.ErrorIs(t, err, ErrInvalidRequest, q)
	}
}

func TestResolve_Search(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/search", req.URL.Path)
		assert.Equal(t, "lofi beats", req.URL.Query().Get("q"))
		assert.Equal(t, "key-1", req.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"items":[{"id":{"videoId":"lofi01"},"snippet":{"title":"Lofi &amp; Chill"}}]}`))
	}, "key-1")

	req, err := r.Resolve(context.Background(), "lofi beats", "user")
	require.NoError(t, err)
	assert.Equal(t, "lofi01", req.ID)
	assert.Equal(t, "Lofi & Chill", req.Title)
}

func TestResolve_SearchNoResults(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}, "key-1")

	_, err := r.Resolve(context.Background(), "zzzz", "user")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_ServerError(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, "")

	_, err := r.Resolve(context.Background(), "https://youtu.be/abc", "user")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
}

func TestResolve_SharesConcurrentLookups(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"title":"Shared"}`))
	}, "")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := r.Resolve(context.Background(), "https://youtu.be/same", "user")
			assert.NoError(t, err)
			assert.Equal(t, "Shared", req.Title)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestResolve_SharedLookupOutlivesFirstCaller(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		started <- struct{}{}
		<-release
		_, _ = w.Write([]byte(`{"title":"Still here"}`))
	}, "")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, "https://youtu.be/same", "first")
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		req, err := r.Resolve(context.Background(), "https://youtu.be/same", "second")
		assert.NoError(t, err)
		second <- req.Title
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not return after cancel")
	}

	close(release)
	select {
	case title := <-second:
		assert.Equal(t, "Still here", title)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not get the shared result")
	}
	assert.Equal(t, int32(1), hits.Load())
}
