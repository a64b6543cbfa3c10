package kick

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConnector(t *testing.T, opts Options) *Connector {
	t.Helper()
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	c := New(opts, event.NewBus(4), zap.NewNop())
	c.idToSlug[42] = "somechannel"
	return c
}

func TestToCommand(t *testing.T) {
	c := newTestConnector(t, Options{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cmd, ok := c.toCommand(chatMessage{
		ChatroomID: 42,
		SenderID:   7,
		Username:   "SomeViewer",
		Badges:     []badge{{Type: "subscriber", Text: "3"}},
		Content:    "!SR  never gonna give you up ",
		CreatedAt:  at,
	})
	require.True(t, ok)
	assert.Equal(t, "kick", cmd.Platform)
	assert.Equal(t, "somechannel", cmd.Channel)
	assert.Equal(t, "someviewer", cmd.Sender)
	assert.Equal(t, "sr", cmd.Command)
	assert.Equal(t, "never gonna give you up", cmd.Args)
	assert.Equal(t, "badges=subscriber:3;mod=0;user-id=7", cmd.RawTags)
	assert.Equal(t, at, cmd.ReceivedAt)
	assert.False(t, cmd.IsPrivileged("owner"))
}

func TestToCommandSkips(t *testing.T) {
	c := newTestConnector(t, Options{})

	_, ok := c.toCommand(chatMessage{ChatroomID: 42, Username: "a", Content: "hello there"})
	assert.False(t, ok, "not prefixed")

	_, ok = c.toCommand(chatMessage{ChatroomID: 42, Username: "a", Content: "!"})
	assert.False(t, ok, "empty command")

	_, ok = c.toCommand(chatMessage{ChatroomID: 99, Username: "a", Content: "!song"})
	assert.False(t, ok, "unknown chatroom")
}

func TestBadgesGrantPrivilege(t *testing.T) {
	c := newTestConnector(t, Options{})

	mod, ok := c.toCommand(chatMessage{
		ChatroomID: 42, SenderID: 1, Username: "helper", Content: "!skip",
		Badges: []badge{{Type: "moderator"}},
	})
	require.True(t, ok)
	assert.Equal(t, "badges=moderator;mod=1;user-id=1", mod.RawTags)
	assert.True(t, mod.IsPrivileged("owner"))

	owner, ok := c.toCommand(chatMessage{
		ChatroomID: 42, SenderID: 2, Username: "streamer", Content: "!skip",
		Badges: []badge{{Type: "broadcaster"}, {Type: "og"}},
	})
	require.True(t, ok)
	assert.Equal(t, "badges=broadcaster,og;broadcaster=1;mod=1;user-id=2", owner.RawTags)
	assert.True(t, owner.IsPrivileged("owner"))
}

func TestOwnerNameOnKickIsNotPrivileged(t *testing.T) {
	c := newTestConnector(t, Options{})

	cmd, ok := c.toCommand(chatMessage{ChatroomID: 42, Username: "TwitchOwner", Content: "!skip"})
	require.True(t, ok)
	assert.Equal(t, "twitchowner", cmd.Sender)
	assert.Equal(t, "badges=;mod=0;user-id=0", cmd.RawTags)
	assert.False(t, cmd.IsPrivileged("twitchowner"))
}

func TestResolveChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/channels/xqc":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":1,"slug":"xqc","chatroom":{"id":668}}`))
		case "/channels/nochat":
			w.Write([]byte(`{"id":2,"slug":"nochat","chatroom":{}}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	info, err := ResolveChannel(ctx, srv.Client(), srv.URL, "xqc")
	require.NoError(t, err)
	assert.Equal(t, "xqc", info.Slug)
	assert.Equal(t, 668, info.Chatroom.ID)

	_, err = ResolveChannel(ctx, srv.Client(), srv.URL, "missing")
	assert.ErrorContains(t, err, "status 404")

	_, err = ResolveChannel(ctx, srv.Client(), srv.URL, "nochat")
	assert.ErrorContains(t, err, "no chatroom")
}

func TestResolveAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels/live" {
			w.Write([]byte(`{"id":1,"slug":"live","chatroom":{"id":5}}`))
			return
		}
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Options{
		Channels: []ChannelConfig{
			{Slug: "preset", ChatroomID: 9},
			{Slug: "live"},
			{Slug: "blocked"},
		},
		APIBaseURL: srv.URL,
		HTTPClient: srv.Client(),
	}, event.NewBus(1), zap.NewNop())

	require.NoError(t, c.resolveAll(context.Background()))
	assert.Equal(t, map[int]string{9: "preset", 5: "live"}, c.idToSlug)

	empty := New(Options{
		Channels:   []ChannelConfig{{Slug: "blocked"}},
		APIBaseURL: srv.URL,
		HTTPClient: srv.Client(),
	}, event.NewBus(1), zap.NewNop())
	assert.ErrorIs(t, empty.resolveAll(context.Background()), ErrNoChannels)
}
