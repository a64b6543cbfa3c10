// Package event defines the inbound events merged onto the bus and the
// alerts derived from platform notifications.
package event

import (
	"strings"
	"time"

	"github.com/john/streambot/internal/queue"
)

// Event is one item on the inbound bus. The set of implementations is
// closed: Ping, ChatCommand, Notification, PlayerIdle, PlayerError,
// RequestResolved and TitleResult.
type Event interface {
	Kind() string
}

// Ping records a transport keep-alive from one of the connections.
type Ping struct {
	Source string
}

// ChatCommand is a chat message that started with the command prefix.
type ChatCommand struct {
	Platform   string // "twitch" or "kick"
	Channel    string
	Sender     string // login name, lowercase
	Command    string // lowercased, prefix stripped
	Args       string
	RawTags    string // raw IRC tags segment, used for permission checks
	ReceivedAt time.Time
}

// IsPrivileged reports whether the sender may run moderator-only commands:
// the raw tags carry mod=1 or the sender is owner on Twitch. owner is a
// Twitch login and says nothing about who holds that name on Kick.
func (c ChatCommand) IsPrivileged(owner string) bool {
	if c.Tag("mod") == "1" {
		return true
	}
	return c.Platform == "twitch" && owner != "" && strings.EqualFold(c.Sender, owner)
}

// Tag returns the value of one raw tag, or "" when it is absent.
func (c ChatCommand) Tag(key string) string {
	for _, tag := range strings.Split(strings.TrimPrefix(c.RawTags, "@"), ";") {
		k, v, _ := strings.Cut(tag, "=")
		if k == key {
			return v
		}
	}
	return ""
}

// Notification wraps an alert produced by the notification stream.
type Notification struct {
	Alert Alert
}

// PlayerIdle is emitted when the player has nothing loaded.
type PlayerIdle struct{}

// PlayerError is emitted when the player fails to load or play a request.
type PlayerError struct {
	Code   int
	Reason string
}

// RequestResolved carries the result of an asynchronous song lookup back to
// the dispatcher. Err is set when the lookup failed.
type RequestResolved struct {
	Command ChatCommand
	Request queue.Request
	Err     error
}

// TitleResult carries the outcome of an asynchronous stream title read or
// edit. Title is the current title for a read and the new one for an edit.
type TitleResult struct {
	Command ChatCommand
	Set     bool
	Title   string
	Err     error
}

func (Ping) Kind() string            { return "ping" }
func (ChatCommand) Kind() string     { return "chat_command" }
func (Notification) Kind() string    { return "notification" }
func (PlayerIdle) Kind() string      { return "player_idle" }
func (PlayerError) Kind() string     { return "player_error" }
func (RequestResolved) Kind() string { return "request_resolved" }
func (TitleResult) Kind() string     { return "title_result" }
