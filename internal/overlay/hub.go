// Package overlay fans alerts and queue snapshots out to the display
// websocket subscribers.
package overlay

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/metrics"
	"github.com/john/streambot/internal/queue"
	"go.uber.org/zap"
)

const broadcastBuffer = 256

// Options tunes subscriber keep-alive. Zero values use the defaults.
type Options struct {
	PingPeriod time.Duration
	PongWait   time.Duration
}

type directFrame struct {
	sub   *subscriber
	frame []byte
}

// Hub owns the subscriber set. Only Run touches it; everything else talks
// to Run through channels.
type Hub struct {
	opts     Options
	snapshot func() queue.Snapshot
	logger   *zap.Logger
	metrics  *metrics.Metrics

	subscribers map[*subscriber]struct{}
	count       atomic.Int64

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte
	direct     chan directFrame
	done       chan struct{}
}

// NewHub creates a hub. snapshot is used to answer subscriber queue
// requests.
func NewHub(opts Options, snapshot func() queue.Snapshot, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	return &Hub{
		opts:        opts,
		snapshot:    snapshot,
		logger:      logger.Named("overlay"),
		metrics:     m,
		subscribers: make(map[*subscriber]struct{}),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan []byte, broadcastBuffer),
		direct:      make(chan directFrame, broadcastBuffer),
		done:        make(chan struct{}),
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// Run processes hub events until ctx is done, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down", zap.Int("subscribers", len(h.subscribers)))
			for sub := range h.subscribers {
				h.remove(sub)
			}
			return

		case sub := <-h.register:
			h.subscribers[sub] = struct{}{}
			h.updateCount()
			h.logger.Debug("Subscriber registered", zap.String("conn_id", sub.connID))

		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				h.remove(sub)
				h.logger.Debug("Subscriber unregistered", zap.String("conn_id", sub.connID))
			}

		case frame := <-h.broadcast:
			for sub := range h.subscribers {
				h.deliver(sub, frame)
			}

		case d := <-h.direct:
			if _, ok := h.subscribers[d.sub]; ok {
				h.deliver(d.sub, d.frame)
			}
		}
	}
}

// deliver hands frame to sub's writer. A subscriber whose buffer is full
// is dropped.
func (h *Hub) deliver(sub *subscriber, frame []byte) {
	select {
	case sub.send <- frame:
	default:
		h.logger.Warn("Dropping slow subscriber", zap.String("conn_id", sub.connID))
		h.remove(sub)
	}
}

func (h *Hub) remove(sub *subscriber) {
	delete(h.subscribers, sub)
	close(sub.send)
	h.updateCount()
}

func (h *Hub) updateCount() {
	h.count.Store(int64(len(h.subscribers)))
	h.metrics.Subscribers.Set(float64(len(h.subscribers)))
}

// PublishAlert broadcasts alert as "<alert kind>::<json>".
func (h *Hub) PublishAlert(alert event.Alert) {
	h.publish(string(alert.Kind), alert)
}

// PublishQueue broadcasts a queue snapshot.
func (h *Hub) PublishQueue(snap queue.Snapshot) {
	h.publish(KindQueue, snap)
}

// publish never blocks the caller; frames are dropped when the hub is
// behind or stopped.
func (h *Hub) publish(kind string, v any) {
	frame, err := EncodeFrame(kind, v)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
		h.logger.Warn("Broadcast dropped", zap.String("kind", kind))
	}
}

// handleClientFrame answers a frame sent by a subscriber.
func (h *Hub) handleClientFrame(sub *subscriber, data []byte) {
	kind, payload := DecodeFrame(data)
	switch kind {
	case KindQueue:
		frame, err := EncodeFrame(KindQueue, h.snapshot())
		if err != nil {
			h.logger.Error("Failed to encode frame", zap.Error(err))
			return
		}
		select {
		case h.direct <- directFrame{sub: sub, frame: frame}:
		case <-h.done:
		}

	case KindReplay:
		var alert event.Alert
		if err := json.Unmarshal(payload, &alert); err != nil || alert.Kind == "" {
			h.logger.Warn("Ignoring malformed replay", zap.String("conn_id", sub.connID), zap.Error(err))
			return
		}
		alert.Fresh = false
		h.publish(KindAlert, alert)

	default:
		h.logger.Debug("Ignoring subscriber frame", zap.String("conn_id", sub.connID), zap.String("kind", kind))
	}
}

func (h *Hub) sendUnregister(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}
