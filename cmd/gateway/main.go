package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamgate/gateway/internal/backend"
	"github.com/streamgate/gateway/internal/config"
	"github.com/streamgate/gateway/internal/gateway"
	"github.com/streamgate/gateway/internal/health"
	"github.com/streamgate/gateway/internal/registry"
	"github.com/streamgate/gateway/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file at %s, using defaults", *configPath)
			cfg = config.Default()
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	reg := registry.New()
	connector := backend.NewConnector(cfg.Backend.ProbeTimeout, cfg.Backend.CallTimeout)
	table := session.NewTable(reg, connector, cfg.Session.BufferCapacity)

	probe, err := health.NewProbe()
	if err != nil {
		log.Printf("Health probe unavailable: %v", err)
	}

	server := gateway.NewServer(cfg, reg, table, connector, probe)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		table.Shutdown(ctx)
		httpServer.Shutdown(ctx)
	}()

	log.Printf("Gateway listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
