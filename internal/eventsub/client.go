// Package eventsub maintains the notification websocket session and turns
// platform notifications into alerts on the event bus.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/metrics"
	"github.com/john/streambot/internal/transport"
	"go.uber.org/zap"
)

const maxBackoff = 30 * time.Second

// Subscriber registers one category on a session through the control API.
type Subscriber interface {
	Subscribe(ctx context.Context, category, sessionID string) error
}

// State is the notification session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateActive
	StateReconnecting
)

// message types
const (
	typeWelcome      = "session_welcome"
	typeKeepalive    = "session_keepalive"
	typeNotification = "notification"
	typeReconnect    = "session_reconnect"
	typeRevocation   = "revocation"
)

type envelope struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// Client owns one notification session.
type Client struct {
	url        string
	dial       transport.DialFunc
	subscriber Subscriber
	bus        *event.Bus
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	conn     transport.Conn
	retiring transport.Conn // pre-redirect transport, open until the new welcome
	drains   sync.WaitGroup
	state    atomic.Int32

	// sessionID is only touched by the read loop.
	sessionID string
}

// New creates a notification client. dial may be nil to use the default
// websocket dialer.
func New(url string, dial transport.DialFunc, subscriber Subscriber, bus *event.Bus, logger *zap.Logger, m *metrics.Metrics) *Client {
	if dial == nil {
		dial = transport.Dial
	}
	return &Client{
		url:        url,
		dial:       dial,
		subscriber: subscriber,
		bus:        bus,
		logger:     logger.Named("eventsub"),
		metrics:    m,
	}
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Start runs the session until ctx is done. A dropped transport is
// reconnected to the default URL with exponential backoff.
func (c *Client) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()
	defer func() {
		c.closeConn()
		c.drains.Wait()
		c.state.Store(int32(StateDisconnected))
	}()

	c.state.Store(int32(StateConnecting))
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := transport.Sleep(ctx, transport.Backoff(attempt-1, maxBackoff)); err != nil {
				return err
			}
		}

		conn, err := c.dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Notification dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if err := c.install(ctx, conn); err != nil {
			return err
		}
		attempt = -1

		err = c.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, event.ErrBusClosed) {
			return err
		}
		c.logger.Warn("Notification transport lost, reconnecting", zap.Error(err))
		c.state.Store(int32(StateReconnecting))
		c.metrics.Reconnects.WithLabelValues("eventsub").Inc()
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.current().ReadMessage()
		if err != nil {
			return fmt.Errorf("read notification: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Skipping malformed notification frame", zap.Error(err))
			continue
		}

		switch env.Metadata.MessageType {
		case typeWelcome:
			c.handleWelcome(ctx, env)
		case typeKeepalive:
			if err := c.bus.Publish(ctx, event.Ping{Source: "eventsub"}); err != nil {
				return err
			}
		case typeNotification:
			if err := c.handleNotification(ctx, env); err != nil {
				return err
			}
		case typeReconnect:
			if err := c.handleReconnect(ctx, env); err != nil {
				return err
			}
		case typeRevocation:
			c.logger.Warn("Subscription revoked", zap.String("type", env.Metadata.SubscriptionType))
		default:
			c.logger.Debug("Ignoring notification frame", zap.String("message_type", env.Metadata.MessageType))
		}
	}
}

// handleWelcome registers every category for a new session id. A welcome
// carrying the known id follows a redirect and needs nothing.
func (c *Client) handleWelcome(ctx context.Context, env envelope) {
	var p sessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ID == "" {
		c.logger.Warn("Skipping malformed welcome", zap.Error(err))
		return
	}
	c.retire()
	if p.Session.ID == c.sessionID {
		c.logger.Info("Session resumed", zap.String("session_id", p.Session.ID))
		c.state.Store(int32(StateActive))
		return
	}

	c.sessionID = p.Session.ID
	c.logger.Info("Session started", zap.String("session_id", c.sessionID))

	if err := c.subscribeAll(ctx, c.sessionID); err != nil {
		c.logger.Error("Some subscriptions failed", zap.Error(err))
	}
	c.state.Store(int32(StateSubscribed))
}

func (c *Client) subscribeAll(ctx context.Context, sessionID string) error {
	var errs []error
	for _, category := range Categories {
		if err := c.subscriber.Subscribe(ctx, category, sessionID); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("Subscribed", zap.String("category", category))
	}
	return errors.Join(errs...)
}

func (c *Client) handleNotification(ctx context.Context, env envelope) error {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.logger.Warn("Skipping malformed notification", zap.Error(err))
		return nil
	}

	category := p.Subscription.Type
	if category == "" {
		category = env.Metadata.SubscriptionType
	}
	at := env.Metadata.MessageTimestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	alert, ok, err := Classify(category, p.Event, at)
	if err != nil {
		c.logger.Warn("Skipping malformed notification", zap.String("category", category), zap.Error(err))
		return nil
	}
	if !ok {
		c.logger.Debug("Ignoring untracked category", zap.String("category", category))
		return nil
	}

	c.state.Store(int32(StateActive))
	return c.bus.Publish(ctx, event.Notification{Alert: alert})
}

// handleReconnect moves the session to the redirect URL. The session id
// carries over, so the welcome on the new transport does not resubscribe.
// The old transport keeps delivering notifications until that welcome.
func (c *Client) handleReconnect(ctx context.Context, env envelope) error {
	var p sessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
		c.logger.Warn("Skipping reconnect without a URL", zap.Error(err))
		return nil
	}

	c.state.Store(int32(StateReconnecting))
	c.metrics.Reconnects.WithLabelValues("eventsub").Inc()

	conn, err := c.dial(ctx, p.Session.ReconnectURL)
	if err != nil {
		return fmt.Errorf("follow reconnect: %w", err)
	}

	c.mu.Lock()
	old, stale := c.conn, c.retiring
	c.conn, c.retiring = conn, old
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	if ctx.Err() != nil {
		c.closeConn()
		return ctx.Err()
	}
	if old != nil {
		c.drains.Add(1)
		go c.drainRetired(ctx, old)
	}
	c.logger.Info("Followed session redirect", zap.String("session_id", c.sessionID))
	return nil
}

// drainRetired publishes notifications still arriving on a transport that
// has been redirected away from. It returns once that transport is closed.
func (c *Client) drainRetired(ctx context.Context, conn transport.Conn) {
	defer c.drains.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Metadata.MessageType != typeNotification {
			continue
		}
		if err := c.handleNotification(ctx, env); err != nil {
			return
		}
	}
}

// install swaps conn in and closes every transport it replaced.
func (c *Client) install(ctx context.Context, conn transport.Conn) error {
	c.mu.Lock()
	old, stale := c.conn, c.retiring
	c.conn, c.retiring = conn, nil
	c.mu.Unlock()

	for _, prev := range []transport.Conn{old, stale} {
		if prev != nil {
			prev.Close()
		}
	}
	if ctx.Err() != nil {
		c.closeConn()
		return ctx.Err()
	}
	return nil
}

// retire closes the pre-redirect transport, if any.
func (c *Client) retire() {
	c.mu.Lock()
	old := c.retiring
	c.retiring = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

func (c *Client) current() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	if c.retiring != nil {
		c.retiring.Close()
		c.retiring = nil
	}
}
