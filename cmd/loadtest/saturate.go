package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-rooms/internal/loadstats"
)

// runSaturate opens idle connections, holds them and reports how many the
// server kept alive.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	serverURL := fs.String("url", "http://localhost:8080", "Room server base URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Token signing secret shared with the server")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	holdFor := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *serverURL, *ramp, *holdFor, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients := rampUp(ctx, rampConfig{
		serverURL:   *serverURL,
		secret:      *secret,
		total:       *connections,
		rampUp:      *ramp,
		concurrency: *concurrency,
		userPrefix:  "idle",
	}, collector, nil)

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		hold(ctx, *holdFor, clients)
	}

	fmt.Println("\n--- Cleanup ---")
	alive, total := countAlive(clients)
	closeAll(clients)
	if total > alive {
		fmt.Printf("\nConnections dropped during hold: %d\n", total-alive)
	}

	scraper.Stop()
	collector.Report(os.Stdout)
}
