// Package resolve turns a song request (URL or free text) into a playable
// queue entry.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/john/streambot/internal/metrics"
	"github.com/john/streambot/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidRequest means the query can never resolve (bad URL, empty
	// text, search unavailable).
	ErrInvalidRequest = errors.New("not a valid request")
	// ErrNotFound means the lookup ran but found nothing playable.
	ErrNotFound = errors.New("no matching video")
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const lookupTimeout = 15 * time.Second

// Options configures a Resolver.
type Options struct {
	OEmbedURL         string
	SearchURL         string
	APIKey            string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Resolver looks up video titles. Concurrent lookups of the same video
// share one request.
type Resolver struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type video struct {
	id    string
	title string
}

// New creates a resolver.
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Limit(opts.RequestsPerSecond)
	if opts.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Resolver{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("resolve"),
		metrics: m,
	}
}

// Resolve looks up query on behalf of requester.
func (r *Resolver) Resolve(ctx context.Context, query, requester string) (queue.Request, error) {
	v, err := r.resolve(ctx, strings.TrimSpace(query))
	switch {
	case err == nil:
		r.metrics.Resolves.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrInvalidRequest):
		r.metrics.Resolves.WithLabelValues("invalid").Inc()
		return queue.Request{}, err
	case errors.Is(err, ErrNotFound):
		r.metrics.Resolves.WithLabelValues("not_found").Inc()
		return queue.Request{}, err
	default:
		r.metrics.Resolves.WithLabelValues("error").Inc()
		return queue.Request{}, err
	}

	return queue.Request{
		ID:        v.id,
		Title:     v.title,
		URL:       WatchURL(v.id),
		Requester: requester,
	}, nil
}

func (r *Resolver) resolve(ctx context.Context, query string) (video, error) {
	if query == "" {
		return video{}, ErrInvalidRequest
	}

	if id, ok := VideoID(query); ok {
		return r.shared(ctx, "id:"+id, func(ctx context.Context) (video, error) {
			return r.lookupTitle(ctx, id)
		})
	}

	if looksLikeURL(query) {
		return video{}, fmt.Errorf("%w: unsupported link", ErrInvalidRequest)
	}
	if r.opts.APIKey == "" {
		return video{}, fmt.Errorf("%w: search is not configured", ErrInvalidRequest)
	}

	return r.shared(ctx, "search:"+strings.ToLower(query), func(ctx context.Context) (video, error) {
		return r.search(ctx, query)
	})
}

// shared runs fetch once per key for all concurrent callers. The fetch is
// detached from the caller that started it, so one requester leaving does
// not fail the others; each caller still stops waiting when its own ctx ends.
func (r *Resolver) shared(ctx context.Context, key string, fetch func(context.Context) (video, error)) (video, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return video{}, res.Err
		}
		return res.Val.(video), nil
	case <-ctx.Done():
		return video{}, ctx.Err()
	}
}

// VideoID extracts the video id from a YouTube link.
func VideoID(raw string) (string, bool) {
	if !looksLikeURL(raw) {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		case strings.HasPrefix(u.Path, "/live/"):
			id = strings.TrimPrefix(u.Path, "/live/")
		}
	default:
		return "", false
	}

	id = strings.Trim(id, "/")
	if !videoIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// WatchURL is the canonical link handed to the player.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (r *Resolver) lookupTitle(ctx context.Context, id string) (video, error) {
	q := url.Values{}
	q.Set("url", WatchURL(id))
	q.Set("format", "json")

	var body struct {
		Title string `json:"title"`
	}
	status, err := r.getJSON(ctx, r.opts.OEmbedURL+"?"+q.Encode(), &body)
	if err != nil {
		if status == http.StatusNotFound || status == http.StatusUnauthorized || status == http.StatusBadRequest {
			return video{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return video{}, err
	}
	if body.Title == "" {
		return video{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return video{id: id, title: body.Title}, nil
}

func (r *Resolver) search(ctx context.Context, query string) (video, error) {
	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("type", "video")
	q.Set("maxResults", "1")
	q.Set("q", query)
	q.Set("key", r.opts.APIKey)

	var body struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if _, err := r.getJSON(ctx, r.opts.SearchURL+"?"+q.Encode(), &body); err != nil {
		return video{}, err
	}
	if len(body.Items) == 0 || body.Items[0].ID.VideoID == "" {
		return video{}, fmt.Errorf("%w: %q", ErrNotFound, query)
	}

	item := body.Items[0]
	return video{id: item.ID.VideoID, title: html.UnescapeString(item.Snippet.Title)}, nil
}

// getJSON fetches u and decodes the body into out. The status code is
// returned even when the request fails on a non-200 response.
func (r *Resolver) getJSON(ctx context.Context, u string, out any) (int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("wait for rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("JSON decode failed: %w", err)
	}
	return resp.StatusCode, nil
}
