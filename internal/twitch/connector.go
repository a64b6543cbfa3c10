package twitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/metrics"
	"github.com/john/streambot/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBackoff = 30 * time.Second

// ErrNotConnected is returned by Say before the first login completes.
var ErrNotConnected = errors.New("chat not connected")

// State is the chat session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggedIn
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged_in"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Options configures a Connector.
type Options struct {
	URL            string
	Username       string
	OAuth          string
	Channel        string
	Prefix         string
	MessagesPer30s int
	Dial           transport.DialFunc
}

// Connector manages the Twitch chat connection over IRC-on-websocket.
type Connector struct {
	opts    Options
	bus     *event.Bus
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics

	// mu guards conn and serializes every write, including the login
	// handshake on a replacement transport.
	mu    sync.Mutex
	conn  transport.Conn
	state atomic.Int32
}

// New creates a new Twitch connector
func New(opts Options, bus *event.Bus, logger *zap.Logger, m *metrics.Metrics) *Connector {
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	if opts.MessagesPer30s < 1 {
		opts.MessagesPer30s = 20
	}
	opts.Channel = strings.ToLower(strings.TrimPrefix(opts.Channel, "#"))

	return &Connector{
		opts:    opts,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(30*time.Second/time.Duration(opts.MessagesPer30s)), opts.MessagesPer30s),
		logger:  logger.Named("twitch"),
		metrics: m,
	}
}

// State returns the current session state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Start connects, logs in and reads chat until ctx is done. Transport
// failures are retried with exponential backoff.
func (c *Connector) Start(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))
	if err := c.reconnect(ctx); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		c.closeConn()
	}()
	defer c.state.Store(int32(StateDisconnected))

	for {
		conn := c.current()
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Chat read failed, reconnecting", zap.Error(err))
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		if c.State() == StateLoggedIn {
			c.state.Store(int32(StateActive))
		}

		for _, line := range splitLines(data) {
			reconnect, err := c.handleLine(ctx, line)
			if err != nil {
				return err
			}
			if reconnect {
				c.logger.Info("Server requested reconnect")
				if err := c.reconnect(ctx); err != nil {
					return err
				}
				break
			}
		}
	}
}

// handleLine processes one inbound line and reports whether the server
// asked us to move to a new transport.
func (c *Connector) handleLine(ctx context.Context, line string) (bool, error) {
	f := classify(line, c.opts.Prefix)
	switch f.kind {
	case framePing:
		if err := c.write("PONG " + f.pingArg); err != nil {
			c.logger.Warn("Failed to answer ping", zap.Error(err))
		}
		return false, c.publish(ctx, event.Ping{Source: "twitch"})
	case frameReconnect:
		return true, nil
	case frameCommand:
		return false, c.publish(ctx, f.command)
	}
	return false, nil
}

func (c *Connector) publish(ctx context.Context, ev event.Event) error {
	if err := c.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	return nil
}

// reconnect dials a new transport, logs in on it and swaps it in. The old
// transport is closed only after the swap, so a concurrent write lands on
// exactly one of them.
func (c *Connector) reconnect(ctx context.Context) error {
	if c.State() != StateConnecting {
		c.state.Store(int32(StateReconnecting))
		c.metrics.Reconnects.WithLabelValues("chat").Inc()
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := transport.Sleep(ctx, transport.Backoff(attempt-1, maxBackoff)); err != nil {
				return err
			}
		}

		conn, err := c.opts.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Chat dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if err := c.login(conn); err != nil {
			c.mu.Unlock()
			conn.Close()
			c.logger.Warn("Chat login failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		old := c.conn
		c.conn = conn
		c.mu.Unlock()

		if old != nil {
			old.Close()
		}
		if ctx.Err() != nil {
			c.closeConn()
			return ctx.Err()
		}
		c.state.Store(int32(StateLoggedIn))
		c.logger.Info("Connected to Twitch chat", zap.String("channel", c.opts.Channel))
		return nil
	}
}

// login sends the handshake. Caller holds c.mu.
func (c *Connector) login(conn transport.Conn) error {
	oauth := c.opts.OAuth
	if !strings.HasPrefix(oauth, "oauth:") {
		oauth = "oauth:" + oauth
	}

	lines := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS " + oauth,
		"NICK " + c.opts.Username,
		"JOIN #" + c.opts.Channel,
	}
	for _, line := range lines {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
			return fmt.Errorf("send %s: %w", strings.SplitN(line, " ", 2)[0], err)
		}
	}
	return nil
}

// Say sends a chat message to the joined channel, waiting for the outbound
// rate limit.
func (c *Connector) Say(ctx context.Context, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limit: %w", err)
	}
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return c.write(fmt.Sprintf("PRIVMSG #%s :%s", c.opts.Channel, text))
}

func (c *Connector) write(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
		return fmt.Errorf("write chat: %w", err)
	}
	return nil
}

func (c *Connector) current() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connector) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
