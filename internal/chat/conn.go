// Package chat manages individual TCP connections, handling the read and
// write pumps plus lifecycle state for each peer.
package chat

import (
	"bufio"
	"errors"
	"log"
	"net"
	"sync/atomic"
	"time"
)

// Conn is the per-socket record for one chat peer. The exported surface is
// intentionally empty: Conn values are created on accept and owned
// exclusively by the server's event loop, which is the only goroutine that
// reads or writes the protocol-state fields.
type Conn struct {
	id   uint64
	sock net.Conn
	addr string

	// send carries complete newline-terminated frames to the write pump.
	// pending tracks the queued byte total for the outbound ceiling; the
	// write pump decrements it, so it is the one cross-goroutine field.
	send    chan []byte
	pending atomic.Int64

	limiter *rateLimiter

	// Event-loop-owned protocol state.
	authenticated bool
	registered    bool
	userID        uint64
	username      string
	password      string
	lastActive    time.Time
}

// inboundFrame is one complete line received from a connection, delivered
// to the event loop by that connection's read pump.
type inboundFrame struct {
	conn *Conn
	line []byte
}

// closeRequest asks the event loop to tear down a connection.
type closeRequest struct {
	conn   *Conn
	reason string
}

// readPump splits the inbound byte stream on newlines and hands complete,
// non-empty lines to the event loop. It exits on peer close, read error, or
// an oversized frame, reporting the reason so the loop can deregister the
// connection.
func (s *Server) readPump(c *Conn) {
	scanner := bufio.NewScanner(c.sock)
	scanner.Buffer(make([]byte, 4096), s.cfg.MaxFrameSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)

		select {
		case s.inbound <- inboundFrame{conn: c, line: line}:
		case <-s.ctx.Done():
			return
		}
	}

	reason := "peer closed"
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			reason = "recvbuf overflow"
		} else if !isExpectedCloseError(err) {
			reason = "recv error"
		}
	}

	select {
	case s.closed <- closeRequest{conn: c, reason: reason}:
	case <-s.ctx.Done():
	}
}

// writePump drains the connection's send channel onto the socket. A write
// failure is reported to the event loop; the pump keeps consuming until the
// loop closes the channel so enqueued frames never block the loop.
func (s *Server) writePump(c *Conn) {
	dead := false
	for frame := range c.send {
		c.pending.Add(-int64(len(frame)))
		if dead {
			continue
		}
		if _, err := c.sock.Write(frame); err != nil {
			dead = true
			if !isExpectedCloseError(err) {
				log.Printf("Write error to %s: %v", c.addr, err)
			}
			select {
			case s.closed <- closeRequest{conn: c, reason: "send error"}:
			case <-s.ctx.Done():
			}
		}
	}
}
