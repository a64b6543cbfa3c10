// Package transport holds the websocket plumbing shared by the chat and
// notification clients.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 15 * time.Second

// Conn is the subset of *websocket.Conn the clients use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a new transport to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial opens a websocket connection.
func Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Backoff returns the wait before reconnect attempt n (0-based):
// 1s, 2s, 4s ... capped at max.
func Backoff(attempt int, max time.Duration) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > max {
		return max
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
