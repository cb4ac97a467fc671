// Package monitor manages individual websocket observers, handling their
// write pump, keepalive, and lifecycle.
package monitor

import (
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Observers are read-only; inbound frames are discarded, so the read
	// limit only needs to bound control traffic.
	maxInboundSize = 512
)

// Client is one websocket observer of the broadcast feed.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string
}

// NewClient wraps an upgraded websocket connection as an observer of the
// given hub.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  hub,
		addr: addr,
	}
}

// readPump consumes and discards inbound frames so pings and close frames
// are processed. Any read error ends the observer.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing monitor connection in readPump: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxInboundSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!isExpectedCloseError(err) {
				log.Printf("Monitor read error from %s: %v", c.addr, err)
			}
			return
		}
	}
}

// writePump forwards broadcast frames to the observer and keeps the
// connection alive with pings. It exits when the hub closes the send
// channel or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing monitor connection in writePump: %v", err)
		}
	}()

	for {
		select {
		case line, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
