package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"
)

// ErrNoChannel is returned when the channel lookup comes back empty.
var ErrNoChannel = errors.New("channel not found")

const helixTimeout = 10 * time.Second

// HelixOptions configures the API client.
type HelixOptions struct {
	ClientID      string
	OAuth         string
	BroadcasterID string
	APIBaseURL    string // tests only
	HTTPClient    *http.Client
}

// Helix wraps the Twitch API calls the bot makes: notification
// subscriptions and channel title edits.
type Helix struct {
	mu            sync.Mutex
	client        *helix.Client
	broadcasterID string
}

// NewHelix creates an API client authenticated with the broadcaster's
// user token.
func NewHelix(opts HelixOptions) (*Helix, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: helixTimeout}
	}
	client, err := helix.NewClient(&helix.Options{
		ClientID:        opts.ClientID,
		UserAccessToken: strings.TrimPrefix(opts.OAuth, "oauth:"),
		APIBaseURL:      opts.APIBaseURL,
		HTTPClient:      httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	return &Helix{
		client:        client,
		broadcasterID: opts.BroadcasterID,
	}, nil
}

// call runs fn under the client lock and gives up once ctx is done. The
// helix client takes no context, so an abandoned call still finishes within
// the HTTP client timeout.
func (h *Helix) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers one notification category on a websocket session.
func (h *Helix) Subscribe(ctx context.Context, category, sessionID string) error {
	sub := &helix.EventSubSubscription{
		Type:      category,
		Version:   subscriptionVersion(category),
		Condition: h.condition(category),
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	}

	var resp *helix.EventSubSubscriptionsResponse
	err := h.call(ctx, func() (err error) {
		resp, err = h.client.CreateEventSubSubscription(sub)
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", category, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("subscribe %s: unexpected status code: %d, error: %s, message: %s",
			category, resp.StatusCode, resp.Error, resp.ErrorMessage)
	}
	return nil
}

func subscriptionVersion(category string) string {
	if category == "channel.follow" {
		return "2"
	}
	return "1"
}

func (h *Helix) condition(category string) helix.EventSubCondition {
	switch category {
	case "channel.raid":
		return helix.EventSubCondition{ToBroadcasterUserID: h.broadcasterID}
	case "channel.follow":
		return helix.EventSubCondition{
			BroadcasterUserID: h.broadcasterID,
			ModeratorUserID:   h.broadcasterID,
		}
	default:
		return helix.EventSubCondition{BroadcasterUserID: h.broadcasterID}
	}
}

// ChannelTitle returns the broadcaster's current stream title.
func (h *Helix) ChannelTitle(ctx context.Context) (string, error) {
	var resp *helix.GetChannelInformationResponse
	err := h.call(ctx, func() (err error) {
		resp, err = h.client.GetChannelInformation(&helix.GetChannelInformationParams{
			BroadcasterIDs: []string{h.broadcasterID},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get channel information: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get channel information: unexpected status code: %d, message: %s", resp.StatusCode, resp.ErrorMessage)
	}
	if len(resp.Data.Channels) == 0 {
		return "", ErrNoChannel
	}
	return resp.Data.Channels[0].Title, nil
}

// SetChannelTitle replaces the broadcaster's stream title.
func (h *Helix) SetChannelTitle(ctx context.Context, title string) error {
	var resp *helix.EditChannelInformationResponse
	err := h.call(ctx, func() (err error) {
		resp, err = h.client.EditChannelInformation(&helix.EditChannelInformationParams{
			BroadcasterID: h.broadcasterID,
			Title:         title,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("edit channel information: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("edit channel information: unexpected status code: %d, message: %s", resp.StatusCode, resp.ErrorMessage)
	}
	return nil
}
