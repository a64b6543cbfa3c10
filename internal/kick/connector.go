// Package kick is an optional second chat source. Prefixed Kick chat
// messages are published as chat commands on the same bus as Twitch chat.
package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	kickchat "github.com/johanvandegriff/kick-chat-wrapper"
	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/twitch"
	"go.uber.org/zap"
)

// DefaultAPIBaseURL is the public Kick API.
const DefaultAPIBaseURL = "https://kick.com/api/v2"

// ErrNoChannels is returned when no configured channel could be resolved.
var ErrNoChannels = errors.New("no valid Kick channels could be resolved")

// KickChannelResponse represents the API response from Kick
type KickChannelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

// ChannelConfig represents a Kick channel with optional pre-configured chatroom ID
type ChannelConfig struct {
	Slug       string
	ChatroomID int // 0 means not pre-configured, needs resolution
}

// Options configures a Connector.
type Options struct {
	Channels   []ChannelConfig
	Prefix     string
	APIBaseURL string
	HTTPClient *http.Client
}

// Connector manages Kick chat connections
type Connector struct {
	opts     Options
	bus      *event.Bus
	logger   *zap.Logger
	idToSlug map[int]string // chatroom ID -> channel slug
}

type badge struct {
	Type string
	Text string
}

// chatMessage is the part of a Kick chat message the connector reads.
type chatMessage struct {
	ChatroomID int
	SenderID   int
	Username   string
	Badges     []badge
	Content    string
	CreatedAt  time.Time
}

// New creates a new Kick connector
func New(opts Options, bus *event.Bus, logger *zap.Logger) *Connector {
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Connector{
		opts:     opts,
		bus:      bus,
		logger:   logger.Named("kick"),
		idToSlug: make(map[int]string),
	}
}

// Start joins every resolvable channel and publishes commands until ctx is
// done.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.resolveAll(ctx); err != nil {
		return err
	}

	c.logger.Info("Connecting to Kick chat")
	client, err := kickchat.NewClient()
	if err != nil {
		return fmt.Errorf("create Kick client: %w", err)
	}
	defer func() {
		c.logger.Info("Disconnecting from Kick chat")
		client.Close()
	}()

	for chatroomID, slug := range c.idToSlug {
		if err := client.JoinChannelByID(chatroomID); err != nil {
			c.logger.Warn("Failed to join Kick channel", zap.String("channel", slug), zap.Int("chatroom_id", chatroomID), zap.Error(err))
			continue
		}
		c.logger.Info("Joined Kick channel", zap.String("channel", slug))
	}

	messages := client.ListenForMessages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				c.logger.Warn("Kick message channel closed")
				return nil
			}
			cmd, ok := c.toCommand(fromKick(msg))
			if !ok {
				continue
			}
			if err := c.bus.Publish(ctx, cmd); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connector) resolveAll(ctx context.Context) error {
	for _, channel := range c.opts.Channels {
		if channel.ChatroomID > 0 {
			c.logger.Info("Using pre-configured Kick channel", zap.String("channel", channel.Slug), zap.Int("chatroom_id", channel.ChatroomID))
			c.idToSlug[channel.ChatroomID] = channel.Slug
			continue
		}

		info, err := ResolveChannel(ctx, c.opts.HTTPClient, c.opts.APIBaseURL, channel.Slug)
		if err != nil {
			c.logger.Warn("Failed to resolve Kick channel, skipping", zap.String("channel", channel.Slug), zap.Error(err))
			continue
		}
		c.logger.Info("Resolved Kick channel", zap.String("channel", info.Slug), zap.Int("chatroom_id", info.Chatroom.ID))
		c.idToSlug[info.Chatroom.ID] = info.Slug
	}

	if len(c.idToSlug) == 0 {
		return ErrNoChannels
	}
	return nil
}

// ResolveChannel fetches channel information from the Kick API.
func ResolveChannel(ctx context.Context, client *http.Client, baseURL, slug string) (KickChannelResponse, error) {
	url := fmt.Sprintf("%s/channels/%s", strings.TrimRight(baseURL, "/"), slug)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return KickChannelResponse{}, fmt.Errorf("create request: %w", err)
	}

	// Browser headers to get past CloudFlare blocking
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := client.Do(req)
	if err != nil {
		return KickChannelResponse{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return KickChannelResponse{}, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var info KickChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return KickChannelResponse{}, fmt.Errorf("JSON decode failed: %w", err)
	}
	if info.Chatroom.ID == 0 {
		return KickChannelResponse{}, fmt.Errorf("channel %s has no chatroom", slug)
	}
	if info.Slug == "" {
		info.Slug = slug
	}
	return info, nil
}

func fromKick(msg kickchat.ChatMessage) chatMessage {
	badges := make([]badge, 0, len(msg.Sender.Identity.Badges))
	for _, b := range msg.Sender.Identity.Badges {
		badges = append(badges, badge{Type: b.Type, Text: b.Text})
	}
	return chatMessage{
		ChatroomID: msg.ChatroomID,
		SenderID:   msg.Sender.ID,
		Username:   msg.Sender.Username,
		Badges:     badges,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
	}
}

// toCommand converts a prefixed message from a joined chatroom into a chat
// command.
func (c *Connector) toCommand(msg chatMessage) (event.ChatCommand, bool) {
	slug, ok := c.idToSlug[msg.ChatroomID]
	if !ok {
		c.logger.Warn("Message from unknown chatroom", zap.Int("chatroom_id", msg.ChatroomID))
		return event.ChatCommand{}, false
	}

	name, args, ok := twitch.SplitCommand(strings.TrimSpace(msg.Content), c.opts.Prefix)
	if !ok {
		return event.ChatCommand{}, false
	}

	received := msg.CreatedAt.UTC()
	if msg.CreatedAt.IsZero() {
		received = time.Now().UTC()
	}

	return event.ChatCommand{
		Platform:   "kick",
		Channel:    slug,
		Sender:     strings.ToLower(msg.Username),
		Command:    name,
		Args:       args,
		RawTags:    rawTags(msg),
		ReceivedAt: received,
	}, true
}

// rawTags renders Kick badges in IRC tag form so permission checks treat
// both platforms alike.
func rawTags(msg chatMessage) string {
	var mod, broadcaster bool
	for _, b := range msg.Badges {
		switch b.Type {
		case "moderator":
			mod = true
		case "broadcaster":
			broadcaster = true
		}
	}

	tags := []string{"badges=" + formatBadges(msg.Badges)}
	if broadcaster {
		tags = append(tags, "broadcaster=1")
	}
	if mod || broadcaster {
		tags = append(tags, "mod=1")
	} else {
		tags = append(tags, "mod=0")
	}
	tags = append(tags, "user-id="+strconv.Itoa(msg.SenderID))
	return strings.Join(tags, ";")
}

// formatBadges converts Kick badges to a comma-separated string
func formatBadges(badges []badge) string {
	parts := make([]string, 0, len(badges))
	for _, b := range badges {
		if b.Text != "" {
			parts = append(parts, b.Type+":"+b.Text)
		} else {
			parts = append(parts, b.Type)
		}
	}
	return strings.Join(parts, ",")
}
