// Package monitor exposes the chat broadcast stream to read-only websocket
// observers, so the room can be watched from a browser without speaking
// the TCP protocol.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"
)

// Hub fans broadcast frames out to connected websocket observers. All
// observer bookkeeping happens on the Run goroutine; other goroutines talk
// to it only through channels.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub ready to accept observers once Run is started.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Publish hands one broadcast frame to the hub. It never blocks: when the
// feed is congested the frame is dropped, because the chat event loop must
// not stall on observers.
func (h *Hub) Publish(line []byte) {
	select {
	case h.broadcast <- line:
	default:
	}
}

// Run executes the hub loop, handling observer registration and frame
// fan-out. It should be called in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.clients[client] = true
			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()
			log.Printf("Monitor client connected from %s. Total observers: %d", client.addr, len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("Monitor client from %s disconnected. Total observers: %d", client.addr, len(h.clients))
			}

		case line := <-h.broadcast:
			h.fanOut(line)
		}
	}
}

// fanOut delivers one frame to every observer, evicting any whose send
// buffer is full.
func (h *Hub) fanOut(line []byte) {
	var evicted []*Client
	for client := range h.clients {
		select {
		case client.send <- line:
		default:
			evicted = append(evicted, client)
		}
	}
	for _, client := range evicted {
		delete(h.clients, client)
		close(client.send)
		log.Printf("Monitor client from %s removed due to full send buffer", client.addr)
	}
}

func (h *Hub) shutdownClients() {
	for client := range h.clients {
		close(client.send)
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing monitor connection from %s: %v", client.addr, err)
		}
	}
	h.clients = make(map[*Client]bool)
}

// Shutdown stops the hub and waits for observer goroutines to finish, up
// to the given timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		log.Println("Monitor hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
