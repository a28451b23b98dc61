package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"audiomesh/server/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by -db in serve mode).
		if RunCLI(os.Args[1:], "audiomesh.db") {
			return
		}
	}

	configPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	apiAddr := flag.String("api-addr", ":8080", "REST API listen address (empty to disable)")
	dbPath := flag.String("db", "audiomesh.db", "SQLite database path (empty to disable the preset store)")
	testDevice := flag.String("test-device", "", "id for a simulated endpoint that emits silence frames (empty to disable)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}

	// Open the preset store; the server runs fine without it.
	var st *store.Store
	if *dbPath != "" {
		st, err = store.New(*dbPath)
		if err != nil {
			log.Fatalf("[store] %v", err)
		}
		defer st.Close()
	}

	registry := NewRegistry(cfg.FrameDuration(), cfg.DeviceTimeout(), cfg.Device.MaxDevices)
	router := NewRouter(registry, cfg.Routing.MaxGroupSize)
	stats := NewServerStats()

	conn, err := ListenUDP(cfg.UDP.ServerPort)
	if err != nil {
		log.Fatalf("[udp] listen: %v", err)
	}
	udp := NewUDPServer(conn, registry, router, stats, cfg.UDP.MaxPacketSize)
	pacer := NewPacer(udp.PacedSendTo)
	udp.AttachPacer(pacer)

	hub := NewHub(registry, router, stats, cfg.AudioParams(), cfg.PingInterval(), udp.Monitor(), registry.Events())
	bridge := NewBridge(registry, router, udp, pacer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go pacer.Run(ctx)
	go hub.Run(ctx)
	go runLiveness(ctx, registry)
	go RunMetrics(ctx, stats, registry, 5*time.Second)
	RegisterCollectors(stats, registry)

	if *testDevice != "" {
		go RunTestDevice(ctx, *testDevice, cfg)
	}

	if *apiAddr != "" {
		api := NewAPIServer(registry, router, stats, pacer, st)
		go api.Run(ctx, *apiAddr)
		log.Printf("[api] listening on %s", *apiAddr)
	}

	go runControlServer(ctx, fmt.Sprintf(":%d", cfg.WebSocket.Port), hub, bridge)

	log.Printf("[udp] listening on :%d", cfg.UDP.ServerPort)
	if err := udp.Run(ctx); err != nil {
		log.Fatalf("[udp] %v", err)
	}
}

// runLiveness drives the registry's timeout and garbage-collection sweeps.
func runLiveness(ctx context.Context, reg *Registry) {
	check := time.NewTicker(time.Second)
	defer check.Stop()
	gc := time.NewTicker(time.Minute)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			reg.CheckTimeouts(time.Now())
		case <-gc.C:
			reg.Cleanup(time.Now())
		}
	}
}

// runControlServer serves the two WebSocket channels: /ws for the control
// plane and /audio for the virtual-endpoint bridge.
func runControlServer(ctx context.Context, addr string, hub *Hub, bridge *Bridge) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/audio", bridge.HandleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("audiomesh server"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[ws] shutdown: %v", err)
		}
	}()

	log.Printf("[ws] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[ws] %v", err)
	}
}
