package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/queue"
	"go.uber.org/zap"
)

const idleObserverID = 1

// mpv client API error codes reported in PlayerError.
const (
	CodeCommandFailed = -12
	CodeLoadingFailed = -13
	CodeUnknownFormat = -17
)

const reasonUnknownFormat = "unrecognized file format"

// State is the bridge playback state.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Bridge owns the player handle. It reports idle and error transitions on
// the bus and loads every request it receives on the requests channel.
type Bridge struct {
	ipc      *IPC
	queue    *queue.Queue
	bus      *event.Bus
	requests <-chan queue.Request
	logger   *zap.Logger
	state    atomic.Int32
}

// NewBridge creates a bridge over an open IPC connection.
func NewBridge(ipc *IPC, q *queue.Queue, bus *event.Bus, requests <-chan queue.Request, logger *zap.Logger) *Bridge {
	return &Bridge{
		ipc:      ipc,
		queue:    q,
		bus:      bus,
		requests: requests,
		logger:   logger.Named("player"),
	}
}

// State returns the playback state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Run drives the bridge until ctx is done or the player goes away.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.ipc.Observe(ctx, idleObserverID, "idle-active"); err != nil {
		return fmt.Errorf("observe idle-active: %w", err)
	}

	events := b.ipc.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrNotConnected
			}
			if err := b.handleEvent(ctx, ev); err != nil {
				return err
			}
		case req := <-b.requests:
			if err := b.load(ctx, req); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev MPVEvent) error {
	switch ev.Name {
	case "property-change":
		if ev.Property != "idle-active" {
			return nil
		}
		var idle bool
		if err := json.Unmarshal(ev.Data, &idle); err != nil || !idle {
			return nil
		}
		b.state.Store(int32(StateIdle))
		b.logger.Debug("Player idle")
		return b.publish(ctx, event.PlayerIdle{})

	case "file-loaded", "playback-restart":
		b.state.Store(int32(StatePlaying))

	case "end-file":
		if ev.Reason != "error" {
			return nil
		}
		code := CodeLoadingFailed
		if ev.FileError == reasonUnknownFormat {
			code = CodeUnknownFormat
		}
		return b.fail(ctx, code, ev.FileError)
	}
	return nil
}

func (b *Bridge) load(ctx context.Context, req queue.Request) error {
	b.state.Store(int32(StateLoading))
	b.logger.Info("Loading request", zap.String("title", req.Title), zap.String("requester", req.Requester))

	if _, err := b.ipc.Command(ctx, "loadfile", req.URL, "replace"); err != nil {
		if errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
			return err
		}
		return b.fail(ctx, CodeCommandFailed, err.Error())
	}
	return nil
}

// fail records a player error and drops the now-playing request.
func (b *Bridge) fail(ctx context.Context, code int, reason string) error {
	b.state.Store(int32(StateError))
	b.queue.ClearCurrent()
	b.logger.Warn("Player error", zap.Int("code", code), zap.String("reason", reason))
	return b.publish(ctx, event.PlayerError{Code: code, Reason: reason})
}

func (b *Bridge) publish(ctx context.Context, ev event.Event) error {
	if err := b.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	return nil
}

// Pause pauses playback.
func (b *Bridge) Pause(ctx context.Context) error {
	return b.ipc.Set(ctx, "pause", true)
}

// Resume resumes playback.
func (b *Bridge) Resume(ctx context.Context) error {
	return b.ipc.Set(ctx, "pause", false)
}

// Skip stops the current file, which makes the player go idle and the
// next request load.
func (b *Bridge) Skip(ctx context.Context) error {
	_, err := b.ipc.Command(ctx, "stop")
	return err
}

// Volume returns the current volume in percent.
func (b *Bridge) Volume(ctx context.Context) (float64, error) {
	raw, err := b.ipc.Get(ctx, "volume")
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("decode volume %s: %w", strconv.Quote(string(raw)), err)
	}
	return v, nil
}

// SetVolume sets the volume in percent.
func (b *Bridge) SetVolume(ctx context.Context, v float64) error {
	return b.ipc.Set(ctx, "volume", v)
}
