// Package chat coordinates connection registration, protocol dispatch, and
// message broadcast for the TCP chat service via the Server type.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"time"

	"github.com/Tyrowin/filechat/internal/bridge"
	"github.com/Tyrowin/filechat/internal/config"
)

// sweepInterval bounds how often the event loop checks for idle
// connections and pending shutdown.
const sweepInterval = 30 * time.Second

// Feed receives a copy of every broadcast frame. Implementations must not
// block; the event loop calls Publish inline.
type Feed interface {
	Publish(line []byte)
}

// userRecord is one registered account. Records are created on register,
// matched on login, and never mutated afterwards.
type userRecord struct {
	id       uint64
	username string
	password string
}

// Server owns all chat-session state. A single event-loop goroutine holds
// the connection table, the user table, and the id counters; accept and
// per-connection pump goroutines only communicate with it over channels, so
// none of that state needs a lock.
type Server struct {
	cfg  *config.Config
	bus  *bridge.Bridge
	feed Feed

	listener net.Listener

	conns      map[*Conn]struct{}
	users      map[string]userRecord
	nextUserID uint64
	nextConnID uint64

	register chan *Conn
	inbound  chan inboundFrame
	closed   chan closeRequest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer creates a chat server using the given configuration and
// notification bridge. feed may be nil when no broadcast observer is
// attached.
func NewServer(cfg *config.Config, bus *bridge.Bridge, feed Feed) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		bus:      bus,
		feed:     feed,
		conns:    make(map[*Conn]struct{}),
		users:    make(map[string]userRecord),
		register: make(chan *Conn),
		inbound:  make(chan inboundFrame, 256),
		closed:   make(chan closeRequest, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start binds the listening socket. It fails if the configured address is
// invalid or already in use; that failure is fatal and surfaced to the
// caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ChatAddr)
	if err != nil {
		return fmt.Errorf("chat: bind %s: %w", s.cfg.ChatAddr, err)
	}
	s.listener = ln
	log.Printf("Chat server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run executes the event loop on the calling goroutine until Stop is
// invoked. It must be called after a successful Start.
func (s *Server) Run() {
	go s.acceptLoop()
	s.run()
}

// Stop shuts the server down. It is idempotent and safe to call from any
// goroutine, before or during Run.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Done is closed once the event loop has exited and every connection has
// been released.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// acceptLoop accepts pending connections and registers them with the event
// loop. Transient accept failures are logged and the loop continues; only
// listener closure ends it.
func (s *Server) acceptLoop() {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		s.nextConnID++
		c := &Conn{
			id:      s.nextConnID,
			sock:    sock,
			addr:    sock.RemoteAddr().String(),
			send:    make(chan []byte, 256),
			limiter: newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		}

		select {
		case s.register <- c:
		case <-s.ctx.Done():
			_ = sock.Close()
			return
		}
	}
}

// run is the event loop. It is the only goroutine that touches the
// connection and user tables.
func (s *Server) run() {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdownConns()
			return

		case c := <-s.register:
			s.conns[c] = struct{}{}
			c.lastActive = time.Now()
			go s.readPump(c)
			go s.writePump(c)
			log.Printf("Client connected from %s. Total connections: %d", c.addr, len(s.conns))

		case frame := <-s.inbound:
			if _, ok := s.conns[frame.conn]; !ok {
				continue
			}
			frame.conn.lastActive = time.Now()
			if !frame.conn.limiter.allow() {
				s.enqueue(frame.conn, failLine("rate limited"))
				continue
			}
			s.handleFrame(frame.conn, frame.line)

		case req := <-s.closed:
			s.closeConn(req.conn, req.reason)

		case <-s.bus.Wakeup():
			s.bus.DrainWakeup()
			for {
				msg, ok := s.bus.TryTake()
				if !ok {
					break
				}
				s.broadcast(append([]byte(msg), '\n'), nil)
			}

		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

// enqueue appends one outbound frame to the connection's send buffer. A
// full buffer or a byte total past the configured ceiling means the peer
// cannot keep up; the connection is closed so it cannot stall the loop or
// delay other peers. Frames for a connection already closed earlier in the
// same dispatch are dropped: its send channel is gone.
func (s *Server) enqueue(c *Conn, line []byte) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	if c.pending.Load()+int64(len(line)) > s.cfg.SendBufLimit {
		s.closeConn(c, "sendbuf overflow")
		return
	}
	select {
	case c.send <- line:
		c.pending.Add(int64(len(line)))
	default:
		s.closeConn(c, "sendbuf overflow")
	}
}

// broadcast enqueues one serialized frame to every authenticated connection
// except the optional excluded sender, then mirrors it to the feed.
func (s *Server) broadcast(line []byte, exclude *Conn) {
	for c := range s.conns {
		if c == exclude || !c.authenticated {
			continue
		}
		s.enqueue(c, line)
	}
	if s.feed != nil {
		s.feed.Publish(line)
	}
}

// closeConn deregisters and releases a connection exactly once. Requests
// for connections already removed are ignored, so late reports from the
// pumps are harmless.
func (s *Server) closeConn(c *Conn, reason string) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	close(c.send)
	if err := c.sock.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing connection from %s: %v", c.addr, err)
	}
	log.Printf("Client %s (%s) disconnected: %s. Total connections: %d", c.addr, c.username, reason, len(s.conns))
}

func (s *Server) shutdownConns() {
	for c := range s.conns {
		close(c.send)
		_ = c.sock.Close()
	}
	s.conns = make(map[*Conn]struct{})
	log.Println("Chat server stopped")
}

// sweepIdle closes connections whose last activity is older than the
// configured idle timeout. A timeout of zero disables eviction.
func (s *Server) sweepIdle() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	var victims []*Conn
	for c := range s.conns {
		if c.lastActive.Before(cutoff) {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		s.closeConn(c, "idle timeout")
	}
}

// handleFrame parses one inbound line and dispatches it by action. Protocol
// errors are answered on the originating connection only; the connection
// stays open.
func (s *Server) handleFrame(c *Conn, line []byte) {
	var frame clientFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.enqueue(c, failLine("bad json"))
		return
	}
	if frame.Action == nil {
		s.enqueue(c, failLine("missing action"))
		return
	}

	switch *frame.Action {
	case "register":
		s.handleRegister(c, frame)
	case "login":
		s.handleLogin(c, frame)
	case "chat":
		s.handleChat(c, frame)
	case "online_list":
		s.handleOnlineList(c)
	default:
		s.enqueue(c, failLine("unknown action"))
	}
}

func (s *Server) handleRegister(c *Conn, frame clientFrame) {
	if frame.Username == nil || frame.Password == nil {
		s.enqueue(c, failLine("missing fields"))
		return
	}
	username, password := *frame.Username, *frame.Password
	if username == "" || password == "" {
		s.enqueue(c, failLine("empty user/pass"))
		return
	}
	if _, exists := s.users[username]; exists {
		s.enqueue(c, failLine("user exists"))
		return
	}

	s.nextUserID++
	record := userRecord{id: s.nextUserID, username: username, password: password}
	s.users[username] = record

	c.registered = true
	c.userID = record.id
	c.username = username
	c.password = password

	log.Printf("User %q registered with id %d", username, record.id)
	s.enqueue(c, marshalLine(registerResponse{
		Status:  "success",
		Message: "Registration successful",
		UserID:  record.id,
	}))
}

func (s *Server) handleLogin(c *Conn, frame clientFrame) {
	if frame.Username == nil || frame.Password == nil {
		s.enqueue(c, failLine("missing fields"))
		return
	}
	record, exists := s.users[*frame.Username]
	if !exists || record.password != *frame.Password {
		s.enqueue(c, failLine("login failed"))
		return
	}

	c.authenticated = true
	c.userID = record.id
	c.username = record.username

	log.Printf("User %q logged in from %s", record.username, c.addr)
	s.enqueue(c, marshalLine(loginResponse{
		Status:   "success",
		Message:  "Login successful",
		Username: record.username,
	}))
	s.handleOnlineList(c)
}

func (s *Server) handleChat(c *Conn, frame clientFrame) {
	if !c.authenticated {
		s.enqueue(c, failLine("please login"))
		return
	}
	if frame.Text == nil {
		s.enqueue(c, failLine("missing text"))
		return
	}
	text := *frame.Text
	if text == "" || len(text) > s.cfg.MaxTextSize {
		s.enqueue(c, failLine("bad text"))
		return
	}

	nick := c.username
	if nick == "" {
		nick = fmt.Sprintf("user%d", c.userID)
	}
	s.broadcast(marshalLine(chatMessage{Action: "chat", From: nick, Text: text}), c)
}

// handleOnlineList replies with the de-duplicated set of authenticated
// usernames. It requires no authentication, matching the login flow where
// the reply is pushed immediately after a successful login.
func (s *Server) handleOnlineList(c *Conn) {
	uniq := make(map[string]struct{})
	for peer := range s.conns {
		if peer.authenticated && peer.username != "" {
			uniq[peer.username] = struct{}{}
		}
	}

	users := make([]string, 0, len(uniq))
	for name := range uniq {
		users = append(users, name)
	}
	sort.Strings(users)

	s.enqueue(c, marshalLine(onlineInfo{Action: "online_info", Count: len(users), Users: users}))
}
