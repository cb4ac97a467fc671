package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/filechat/internal/bridge"
	"github.com/Tyrowin/filechat/internal/catalog"
	"github.com/Tyrowin/filechat/internal/chat"
	"github.com/Tyrowin/filechat/internal/config"
	"github.com/Tyrowin/filechat/internal/monitor"
	"github.com/Tyrowin/filechat/internal/transfer"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}
	cfg := config.NewFromEnv()

	cat := catalog.New(cfg.UploadRoot)
	if err := cat.EnsureReady(); err != nil {
		log.Fatalf("Upload root unusable: %v", err)
	}
	if removed, err := cat.ReapStaleTemps(cfg.TempMaxAge); err != nil {
		log.Printf("Temp file reaping failed: %v", err)
	} else if removed > 0 {
		log.Printf("Reaped %d stale temp file(s)", removed)
	}

	bus := bridge.New()

	hub := monitor.NewHub()
	go hub.Run()

	chatServer := chat.NewServer(cfg, bus, hub)
	if err := chatServer.Start(); err != nil {
		log.Fatalf("Chat server start failed: %v", err)
	}

	transferServer := transfer.NewServer(cfg, cat, bus, monitor.Handler(hub, cfg.AllowedOrigins))
	if err := transferServer.Start(); err != nil {
		chatServer.Stop()
		log.Fatalf("File transfer server start failed: %v", err)
	}

	go func() {
		if err := transferServer.Run(); err != nil {
			log.Printf("File transfer server error: %v", err)
			chatServer.Stop()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Signal %v received, shutting down...", sig)
		chatServer.Stop()
	}()

	// The chat event loop runs on the main goroutine until Stop.
	chatServer.Run()

	if err := transferServer.Stop(shutdownTimeout); err != nil {
		log.Printf("File transfer shutdown: %v", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Monitor shutdown: %v", err)
	}
	log.Println("Server exited")
}
