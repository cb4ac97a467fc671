// Package monitor provides the HTTP handler that upgrades observer
// requests to websocket connections.
package monitor

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler returns the upgrade handler for the broadcast feed endpoint.
// Upgrades are restricted to the configured origins.
func Handler(hub *Hub, allowedOrigins []string) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Monitor upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)
		select {
		case hub.register <- client:
		case <-hub.ctx.Done():
			_ = conn.Close()
		}
	})
}
