package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/john/streambot/internal/event"
)

// voteState collects distinct skip voters inside one window.
type voteState struct {
	started time.Time
	voters  map[string]struct{}
}

func (v *voteState) reset() {
	v.started = time.Time{}
	v.voters = nil
}

// add records voter at now and returns the vote count. A vote arriving
// after the window has expired starts a new window.
func (v *voteState) add(voter string, now time.Time, window time.Duration) int {
	if v.voters == nil || now.Sub(v.started) >= window {
		v.started = now
		v.voters = make(map[string]struct{})
	}
	v.voters[voter] = struct{}{}
	return len(v.voters)
}

func (d *Dispatcher) voteSkip(ctx context.Context, cmd event.ChatCommand) {
	if _, playing := d.Queue.Current(); !playing {
		d.reply("Nothing to skip.")
		return
	}

	votes := d.vote.add(cmd.Sender, d.opts.Clock.Now(), d.opts.VoteWindow)
	if votes < d.opts.VoteThreshold {
		d.reply(fmt.Sprintf("Vote to skip: %d/%d.", votes, d.opts.VoteThreshold))
		return
	}

	d.vote.reset()
	if err := d.withPlayer(ctx, d.Player.Skip); err != nil {
		d.playerFailed("skip", err)
		return
	}
	d.reply("Vote passed, skipping.")
}
