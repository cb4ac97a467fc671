// Package transfer implements the HTTP file transfer service: health
// checks, streamed downloads, and the three-step chunked upload protocol
// that publishes file-availability events to the chat side.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/filechat/internal/bridge"
	"github.com/Tyrowin/filechat/internal/catalog"
	"github.com/Tyrowin/filechat/internal/config"
)

// Server serves the file transfer HTTP surface and publishes completed
// uploads to the notification bridge.
type Server struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	bus     *bridge.Bridge

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a transfer server. monitorHandler, when non-nil, is
// mounted at GET /ws to expose the broadcast feed to websocket observers.
func NewServer(cfg *config.Config, cat *catalog.Catalog, bus *bridge.Bridge, monitorHandler http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		catalog: cat,
		bus:     bus,
	}

	router := chi.NewRouter()
	router.Get("/health", s.handleHealth)
	router.Get("/download", s.handleDownload)
	router.Post("/upload/init", s.handleUploadInit)
	router.Put("/upload/chunk", s.handleUploadChunk)
	router.Post("/upload/complete", s.handleUploadComplete)
	if monitorHandler != nil {
		router.Get("/ws", monitorHandler.ServeHTTP)
	}
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	// The wire contract only speaks 400/404/413/500; a wrong method on a
	// known path is just an unmatched route.
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	// No global read/write timeout: chunk bodies and downloads may
	// legitimately take minutes on slow links. Header reads stay bounded.
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the HTTP listener. Bind failures are fatal and surfaced to
// the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("transfer: bind %s: %w", s.cfg.HTTPAddr, err)
	}
	s.listener = ln
	log.Printf("File transfer server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves connections until Stop closes the listener. The shutdown
// signal is not reported as an error.
func (s *Server) Run() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, waiting up to timeout for
// in-flight requests to finish naturally.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("File transfer server shutdown error: %v", err)
		return err
	}
	log.Println("File transfer server stopped")
	return nil
}
