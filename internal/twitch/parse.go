package twitch

import (
	"strings"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/john/streambot/internal/event"
)

type frameKind int

const (
	frameOther frameKind = iota
	framePing
	frameReconnect
	frameCommand
)

// frame is one classified inbound IRC line.
type frame struct {
	kind    frameKind
	pingArg string
	command event.ChatCommand
}

func classify(line, prefix string) frame {
	if strings.HasPrefix(line, "PING") {
		return frame{kind: framePing, pingArg: strings.TrimSpace(strings.TrimPrefix(line, "PING"))}
	}

	switch twitch.ParseMessage(line).(type) {
	case *twitch.ReconnectMessage:
		return frame{kind: frameReconnect}
	case *twitch.PrivateMessage:
		if cmd, ok := ParseCommand(line, prefix); ok {
			return frame{kind: frameCommand, command: cmd}
		}
	}
	return frame{kind: frameOther}
}

// ParseCommand turns a PRIVMSG line into a chat command. Messages that do
// not start with prefix, or carry nothing after it, are not commands.
func ParseCommand(line, prefix string) (event.ChatCommand, bool) {
	line = strings.TrimRight(line, "\r\n")

	msg, ok := twitch.ParseMessage(line).(*twitch.PrivateMessage)
	if !ok {
		return event.ChatCommand{}, false
	}

	name, args, ok := SplitCommand(msg.Message, prefix)
	if !ok {
		return event.ChatCommand{}, false
	}

	return event.ChatCommand{
		Platform:   "twitch",
		Channel:    strings.TrimPrefix(msg.Channel, "#"),
		Sender:     strings.ToLower(msg.User.Name),
		Command:    name,
		Args:       args,
		RawTags:    rawTags(line),
		ReceivedAt: time.Now().UTC(),
	}, true
}

// SplitCommand strips prefix from text and splits it into a lowercased
// command name and the remaining arguments.
func SplitCommand(text, prefix string) (name, args string, ok bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	name, args, _ = strings.Cut(strings.TrimPrefix(text, prefix), " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

// rawTags returns the tags segment of an IRCv3 line without the leading '@'.
func rawTags(line string) string {
	if !strings.HasPrefix(line, "@") {
		return ""
	}
	tags, _, _ := strings.Cut(line[1:], " ")
	return tags
}

// splitLines splits a websocket payload into IRC lines. Twitch may batch
// several lines into one frame.
func splitLines(data []byte) []string {
	raw := strings.Split(string(data), "\r\n")
	lines := raw[:0]
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
