// Package player drives an mpv process over its JSON IPC socket.
package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	commandTimeout = 5 * time.Second
	eventBuffer    = 64
)

var (
	// ErrNotConnected is returned once the IPC socket has closed.
	ErrNotConnected = errors.New("player not connected")
	// ErrCommand wraps an error string reported by mpv.
	ErrCommand = errors.New("player command failed")
)

// MPVEvent is an asynchronous message from mpv.
type MPVEvent struct {
	Name      string          `json:"event"`
	ID        int             `json:"id"`
	Property  string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Reason    string          `json:"reason"`
	FileError string          `json:"file_error"`
}

type reply struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
}

// IPC is a client for mpv's line-delimited JSON protocol. It is safe for
// concurrent use.
type IPC struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply

	events chan MPVEvent
	done   chan struct{}
}

// DialIPC connects to the mpv socket at path.
func DialIPC(ctx context.Context, path string, logger *zap.Logger) (*IPC, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial player socket: %w", err)
	}
	return NewIPC(conn, logger), nil
}

// NewIPC wraps an established connection and starts reading from it.
func NewIPC(conn net.Conn, logger *zap.Logger) *IPC {
	c := &IPC{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan reply),
		events:  make(chan MPVEvent, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers mpv events. It is closed when the connection ends.
func (c *IPC) Events() <-chan MPVEvent {
	return c.events
}

// Command sends one command and waits for its reply.
func (c *IPC) Command(ctx context.Context, args ...any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]any{"command": args, "request_id": id})
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	select {
	case r := <-ch:
		if r.Error != "success" {
			return nil, fmt.Errorf("%w: %v: %s", ErrCommand, args[0], r.Error)
		}
		return r.Data, nil
	case <-c.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get reads a property.
func (c *IPC) Get(ctx context.Context, property string) (json.RawMessage, error) {
	return c.Command(ctx, "get_property", property)
}

// Set writes a property.
func (c *IPC) Set(ctx context.Context, property string, value any) error {
	_, err := c.Command(ctx, "set_property", property, value)
	return err
}

// Observe asks mpv to report changes of property as property-change events
// tagged with id.
func (c *IPC) Observe(ctx context.Context, id int, property string) error {
	_, err := c.Command(ctx, "observe_property", id, property)
	return err
}

// Close closes the connection.
func (c *IPC) Close() error {
	return c.conn.Close()
}

func (c *IPC) readLoop() {
	defer close(c.events)
	defer close(c.done)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		var r reply
		if err := json.Unmarshal(line, &r); err != nil {
			c.logger.Warn("Skipping malformed player message", zap.Error(err))
			continue
		}

		if r.Event != "" {
			var ev MPVEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.logger.Warn("Player event dropped", zap.String("event", ev.Name))
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[r.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- r
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("Player connection closed", zap.Error(err))
	}
}
