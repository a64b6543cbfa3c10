package overlay

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the subscriber.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from a subscriber.
	maxMessageSize = 64 * 1024

	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // browser sources load from file:// or localhost
}

type subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	connID string
}

// ServeWS upgrades a display connection and registers it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		connID: uuid.New().String(),
	}

	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump()
}

// readPump handles subscriber frames. A missed pong window ends it, which
// removes the subscriber.
func (s *subscriber) readPump() {
	defer func() {
		s.hub.sendUnregister(s)
		s.conn.Close()
	}()

	pongWait := s.hub.opts.PongWait
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("Subscriber read error", zap.String("conn_id", s.connID), zap.Error(err))
			}
			return
		}
		s.hub.handleClientFrame(s, message)
	}
}

// writePump writes frames and keep-alive pings. A failed write ends it,
// which closes the connection and so the read pump.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.logger.Debug("Subscriber write error", zap.String("conn_id", s.connID), zap.Error(err))
				return
			}
			s.hub.metrics.FramesSent.Inc()

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
