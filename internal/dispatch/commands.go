package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/queue"
	"go.uber.org/zap"
)

// ModsOnlyReply is sent when an unprivileged sender runs a gated command.
const ModsOnlyReply = "Sorry, that command is for mods only."

const (
	resolveTimeout = 15 * time.Second
	titleTimeout   = 10 * time.Second
	playerTimeout  = 5 * time.Second
	maxListed      = 3
)

type gate int

const (
	gateNone gate = iota
	gateMods
	gateModsWithArgs // reading is open, changing needs mods
)

type command struct {
	gate   gate
	handle func(d *Dispatcher, ctx context.Context, cmd event.ChatCommand)
}

var commands = map[string]command{
	"sr":       {gateNone, (*Dispatcher).songRequest},
	"song":     {gateNone, (*Dispatcher).currentSong},
	"queue":    {gateNone, (*Dispatcher).showQueue},
	"skip":     {gateMods, (*Dispatcher).skip},
	"voteskip": {gateNone, (*Dispatcher).voteSkip},
	"pause":    {gateMods, (*Dispatcher).pause},
	"resume":   {gateMods, (*Dispatcher).resume},
	"volume":   {gateModsWithArgs, (*Dispatcher).volume},
	"title":    {gateModsWithArgs, (*Dispatcher).title},
}

func (d *Dispatcher) handleCommand(ctx context.Context, cmd event.ChatCommand) {
	c, ok := commands[cmd.Command]
	if !ok {
		if text, canned := d.opts.Canned[cmd.Command]; canned {
			d.metrics.Commands.WithLabelValues(cmd.Command, "ok").Inc()
			d.reply(text)
		}
		return
	}

	gated := c.gate == gateMods || (c.gate == gateModsWithArgs && cmd.Args != "")
	if gated && !cmd.IsPrivileged(d.opts.Owner) {
		d.metrics.Commands.WithLabelValues(cmd.Command, "denied").Inc()
		d.reply(ModsOnlyReply)
		return
	}

	d.logger.Debug("Command", zap.String("command", cmd.Command), zap.String("sender", cmd.Sender), zap.String("platform", cmd.Platform))
	d.metrics.Commands.WithLabelValues(cmd.Command, "ok").Inc()
	c.handle(d, ctx, cmd)
}

// songRequest starts an asynchronous lookup. The result comes back as a
// RequestResolved event so the queue is only touched from dispatch.
func (d *Dispatcher) songRequest(ctx context.Context, cmd event.ChatCommand) {
	if cmd.Args == "" {
		d.reply(fmt.Sprintf("@%s usage: !sr <link or search>", cmd.Sender))
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()

		lookupCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
		req, err := d.Resolver.Resolve(lookupCtx, cmd.Args, cmd.Sender)
		cancel()

		if err := d.Bus.Publish(ctx, event.RequestResolved{Command: cmd, Request: req, Err: err}); err != nil {
			d.logger.Debug("Dropped resolved request", zap.Error(err))
		}
	}()
}

func (d *Dispatcher) handleResolved(e event.RequestResolved) {
	sender := e.Command.Sender
	if e.Err != nil {
		d.logger.Info("Song request rejected", zap.String("query", e.Command.Args), zap.Error(e.Err))
		d.reply(fmt.Sprintf("@%s that is not a valid request.", sender))
		return
	}

	pos, err := d.Queue.Enqueue(e.Request)
	if errors.Is(err, queue.ErrFull) {
		d.reply(fmt.Sprintf("@%s the queue is full, try again later.", sender))
		return
	}

	d.metrics.QueueDepth.Set(float64(d.Queue.Len()))
	d.reply(fmt.Sprintf("@%s added %q at position %d.", sender, e.Request.Title, pos))

	if _, playing := d.Queue.Current(); !playing && d.playerIdle {
		d.advance()
		return
	}
	d.Broadcast.PublishQueue(d.Queue.Snapshot())
}

func (d *Dispatcher) currentSong(_ context.Context, _ event.ChatCommand) {
	current, ok := d.Queue.Current()
	if !ok {
		d.reply("Nothing is playing right now.")
		return
	}
	d.reply(fmt.Sprintf("Now playing: %s (requested by %s)", current.Title, current.Requester))
}

func (d *Dispatcher) showQueue(_ context.Context, _ event.ChatCommand) {
	snap := d.Queue.Snapshot()
	d.Broadcast.PublishQueue(snap)

	if len(snap.Pending) == 0 {
		d.reply("The queue is empty.")
		return
	}

	titles := make([]string, 0, maxListed)
	for i, req := range snap.Pending {
		if i == maxListed {
			break
		}
		titles = append(titles, req.Title)
	}
	d.reply(fmt.Sprintf("%d in queue. Next up: %s", len(snap.Pending), strings.Join(titles, ", ")))
}

func (d *Dispatcher) skip(ctx context.Context, _ event.ChatCommand) {
	if err := d.withPlayer(ctx, d.Player.Skip); err != nil {
		d.playerFailed("skip", err)
		return
	}
	d.vote.reset()
	d.reply("Skipped.")
}

func (d *Dispatcher) pause(ctx context.Context, _ event.ChatCommand) {
	if err := d.withPlayer(ctx, d.Player.Pause); err != nil {
		d.playerFailed("pause", err)
		return
	}
	d.reply("Paused.")
}

func (d *Dispatcher) resume(ctx context.Context, _ event.ChatCommand) {
	if err := d.withPlayer(ctx, d.Player.Resume); err != nil {
		d.playerFailed("resume", err)
		return
	}
	d.reply("Resumed.")
}

func (d *Dispatcher) volume(ctx context.Context, cmd event.ChatCommand) {
	ctx, cancel := context.WithTimeout(ctx, playerTimeout)
	defer cancel()

	if cmd.Args == "" {
		v, err := d.Player.Volume(ctx)
		if err != nil {
			d.playerFailed("read the volume", err)
			return
		}
		d.reply(fmt.Sprintf("Volume is %s%%.", formatVolume(v)))
		return
	}

	v, err := strconv.ParseFloat(strings.TrimSuffix(cmd.Args, "%"), 64)
	if err != nil || v < 0 || v > 100 {
		d.reply("Volume must be a number between 0 and 100.")
		return
	}
	if err := d.Player.SetVolume(ctx, v); err != nil {
		d.playerFailed("change the volume", err)
		return
	}
	d.reply(fmt.Sprintf("Volume set to %s%%.", formatVolume(v)))
}

// title reads or edits the stream title off the dispatch goroutine. The
// result comes back as a TitleResult event.
func (d *Dispatcher) title(ctx context.Context, cmd event.ChatCommand) {
	if d.Titles == nil {
		d.reply("Title commands are not available.")
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()

		callCtx, cancel := context.WithTimeout(ctx, titleTimeout)
		defer cancel()

		res := event.TitleResult{Command: cmd, Set: cmd.Args != ""}
		if res.Set {
			res.Title = cmd.Args
			res.Err = d.Titles.SetChannelTitle(callCtx, cmd.Args)
		} else {
			res.Title, res.Err = d.Titles.ChannelTitle(callCtx)
		}

		if err := d.Bus.Publish(ctx, res); err != nil {
			d.logger.Debug("Dropped title result", zap.Error(err))
		}
	}()
}

func (d *Dispatcher) handleTitle(e event.TitleResult) {
	switch {
	case e.Set && e.Err != nil:
		d.logger.Warn("Failed to set title", zap.Error(e.Err))
		d.reply("Could not change the title right now.")
	case e.Set:
		d.reply("Title updated.")
	case e.Err != nil:
		d.logger.Warn("Failed to read title", zap.Error(e.Err))
		d.reply("Could not read the title right now.")
	default:
		d.reply("Title: " + e.Title)
	}
}

func (d *Dispatcher) withPlayer(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, playerTimeout)
	defer cancel()
	return fn(ctx)
}

func (d *Dispatcher) playerFailed(action string, err error) {
	d.logger.Warn("Player command failed", zap.String("action", action), zap.Error(err))
	d.reply(fmt.Sprintf("Could not %s right now.", action))
}

func formatVolume(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
