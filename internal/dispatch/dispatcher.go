// Package dispatch is the single consumer of the event bus. It routes
// each event to one handler in arrival order.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/metrics"
	"github.com/john/streambot/internal/queue"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const replyBuffer = 32

// ChatSender posts a reply to the chat channel.
type ChatSender interface {
	Say(ctx context.Context, text string) error
}

// Broadcaster fans facts out to display subscribers.
type Broadcaster interface {
	PublishAlert(alert event.Alert)
	PublishQueue(snap queue.Snapshot)
}

// Player is the control surface of the media player.
type Player interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Skip(ctx context.Context) error
	Volume(ctx context.Context) (float64, error)
	SetVolume(ctx context.Context, v float64) error
}

// Resolver turns a song request into a queue entry.
type Resolver interface {
	Resolve(ctx context.Context, query, requester string) (queue.Request, error)
}

// TitleService reads and edits the stream title.
type TitleService interface {
	ChannelTitle(ctx context.Context) (string, error)
	SetChannelTitle(ctx context.Context, title string) error
}

// Journal records alerts and played requests. Record must not block.
type Journal interface {
	Record(kind string, payload any) bool
}

// Options configures a Dispatcher.
type Options struct {
	Owner         string            // channel owner login, always privileged
	Canned        map[string]string // fixed replies
	VoteWindow    time.Duration
	VoteThreshold int
	Clock         clockwork.Clock
}

// Deps are the collaborators the dispatcher drives. Titles and Journal may
// be nil. Requests must be buffered; the dispatcher is its only sender.
type Deps struct {
	Bus       *event.Bus
	Queue     *queue.Queue
	Requests  chan<- queue.Request
	Chat      ChatSender
	Broadcast Broadcaster
	Player    Player
	Resolver  Resolver
	Titles    TitleService
	Journal   Journal
}

// Dispatcher routes bus events to handlers.
type Dispatcher struct {
	Deps
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	replies  chan string
	inflight sync.WaitGroup

	// owned by the Run goroutine
	playerIdle bool
	vote       voteState
}

// New creates a dispatcher.
func New(deps Deps, opts Options, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.VoteWindow <= 0 {
		opts.VoteWindow = 30 * time.Second
	}
	if opts.VoteThreshold < 1 {
		opts.VoteThreshold = 1
	}
	return &Dispatcher{
		Deps:    deps,
		opts:    opts,
		logger:  logger.Named("dispatch"),
		metrics: m,
		replies: make(chan string, replyBuffer),
	}
}

// Run consumes the bus until it is closed. A closed bus is a clean stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	replyDone := make(chan struct{})
	go func() {
		defer close(replyDone)
		d.sendReplies(ctx)
	}()

	for ev := range d.Bus.Events() {
		d.dispatch(ctx, ev)
	}

	d.inflight.Wait()
	close(d.replies)
	<-replyDone
	d.logger.Info("Dispatcher stopped")
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event) {
	d.metrics.Events.WithLabelValues(ev.Kind()).Inc()

	switch e := ev.(type) {
	case event.Ping:
		d.logger.Debug("Keep-alive", zap.String("source", e.Source))
	case event.ChatCommand:
		d.handleCommand(ctx, e)
	case event.RequestResolved:
		d.handleResolved(e)
	case event.TitleResult:
		d.handleTitle(e)
	case event.Notification:
		d.handleNotification(e)
	case event.PlayerIdle:
		d.playerIdle = true
		d.advance()
	case event.PlayerError:
		d.logger.Warn("Playback failed", zap.Int("code", e.Code), zap.String("reason", e.Reason))
		d.Broadcast.PublishQueue(d.Queue.Snapshot())
	default:
		d.logger.Warn("Unhandled event", zap.String("kind", ev.Kind()))
	}
}

func (d *Dispatcher) handleNotification(n event.Notification) {
	d.logger.Info("Alert", zap.String("kind", string(n.Alert.Kind)), zap.String("user", n.Alert.User))
	d.Broadcast.PublishAlert(n.Alert)
	d.record("alert", n.Alert)
}

// advance moves the next pending request into the player once it has
// reported idle. Nothing is dequeued while the player still holds an
// unread request, so a promoted request always reaches it.
func (d *Dispatcher) advance() {
	if !d.playerIdle {
		return
	}
	if len(d.Requests) == cap(d.Requests) {
		d.logger.Warn("Player has not taken the previous request")
		return
	}

	d.Queue.Dequeue()
	d.metrics.QueueDepth.Set(float64(d.Queue.Len()))
	if current, ok := d.Queue.Current(); ok {
		// only the dispatcher sends and there is room, so this never blocks
		d.Requests <- current
		d.playerIdle = false
		d.logger.Info("Now playing", zap.String("title", current.Title), zap.String("requester", current.Requester))
		d.record("played", current)
	}
	d.Broadcast.PublishQueue(d.Queue.Snapshot())
}

// reply queues text for the chat connection. Replies are dropped rather
// than stalling dispatch when the connection is behind.
func (d *Dispatcher) reply(text string) {
	select {
	case d.replies <- text:
	default:
		d.logger.Warn("Reply dropped", zap.String("text", text))
	}
}

func (d *Dispatcher) sendReplies(ctx context.Context) {
	for text := range d.replies {
		if err := d.Chat.Say(ctx, text); err != nil {
			d.logger.Warn("Failed to send reply", zap.Error(err))
		}
	}
}

func (d *Dispatcher) record(kind string, payload any) {
	if d.Journal == nil {
		return
	}
	if !d.Journal.Record(kind, payload) {
		d.metrics.JournalDropped.Inc()
	}
}
