// Package websocket owns the per-connection machinery for RTES's /rt
// endpoint: upgrading, pumping pings and live updates, and tearing
// down cleanly when either side hangs up. Connections no longer
// register with a shared hub; each one owns a fanout.Subscription and
// streams straight from it.
package websocket

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

// Client is one live /rt connection: a socket plus the channel of
// update frames it streams to the peer.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Updates <-chan []byte
	Cancel  func()
	logger  *slog.Logger
}

// NewClient wraps an upgraded connection and its fanout subscription.
func NewClient(id string, conn *websocket.Conn, updates <-chan []byte, cancel func(), logger *slog.Logger) *Client {
	return &Client{ID: id, Conn: conn, Updates: updates, Cancel: cancel, logger: logger}
}

// ReadPump drains and discards inbound frames so pong handling keeps
// firing; RTES's clients never send application messages over /rt.
// Returns once the connection errors or closes, cancelling the
// subscription and closing the socket.
func (c *Client) ReadPump() {
	defer func() {
		c.Cancel()
		c.Conn.Close()
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", "error", err, "client_id", c.ID)
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.Conn.SetReadLimit(maxMessageSize)

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err, "client_id", c.ID)
			}
			return
		}
	}
}

// WritePump relays update frames from the fanout subscription to the
// connection and keeps it alive with periodic pings. Returns when the
// Updates channel closes (subscription cancelled, or its execution
// topic torn down after completion) or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Updates:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", "error", err, "client_id", c.ID)
				return
			}
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("failed to write message", "error", err, "client_id", c.ID)
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
