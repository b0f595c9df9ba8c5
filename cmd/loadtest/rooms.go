package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/chat-rooms/internal/client"
	"github.com/whisper/chat-rooms/internal/loadstats"
)

// runRooms fills rooms with members that send messages at a fixed interval
// and measures send round-trip and delivery latency.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	serverURL := fs.String("url", "http://localhost:8080", "Room server base URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Token signing secret shared with the server")
	rooms := fs.Int("rooms", 50, "Number of rooms")
	members := fs.Int("members", 4, "Members per room")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "How long members keep sending")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per member")
	msgSize := fs.Int("msg-size", 128, "Message size in characters")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	total := *rooms * *members
	fmt.Printf("Rooms test: %d rooms x %d members (%d clients) to %s (ramp=%s, duration=%s, interval=%s)\n",
		*rooms, *members, total, *serverURL, *ramp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	roomOf := func(i int) string { return fmt.Sprintf("load-%d", i%*rooms) }

	fmt.Println("\n--- Phase 1: Connect and join ---")
	clients := rampUp(ctx, rampConfig{
		serverURL:   *serverURL,
		secret:      *secret,
		total:       total,
		rampUp:      *ramp,
		concurrency: *concurrency,
		userPrefix:  "member",
	}, collector, func(ctx context.Context, i int, c *client.Client) error {
		c.OnEvent(func(ev client.Event) {
			if ev.Type != "receive_message" || ev.Message == nil {
				return
			}
			if sent, ok := sentAt(ev.Message.Content); ok {
				collector.AddDelivery(time.Since(sent))
			}
		})
		return c.Join(ctx, roomOf(i))
	})

	if ctx.Err() == nil {
		fmt.Println("\n--- Phase 2: Exchange messages ---")
		sendCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		for i, c := range clients {
			if c == nil {
				continue
			}
			wg.Add(1)
			go func(i int, c *client.Client) {
				defer wg.Done()
				sendLoop(sendCtx, c, roomOf(i), *msgInterval, *msgSize, collector)
			}(i, c)
		}

		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-sendCtx.Done():
					return
				case <-ticker.C:
					snap := collector.Snapshot()
					fmt.Printf("  [send] sent: %d  received: %d  errors: %d\n", snap.Sent, snap.Received, snap.Errors)
				}
			}
		}()

		wg.Wait()
		cancel()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)

	scraper.Stop()
	collector.Report(os.Stdout)
}

func sendLoop(ctx context.Context, c *client.Client, roomID string, interval time.Duration, size int, collector *loadstats.Collector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		began := time.Now()
		if _, err := c.Send(ctx, roomID, payload(began, size)); err != nil {
			if ctx.Err() != nil {
				return
			}
			collector.AddError()
			continue
		}
		collector.AddSend(time.Since(began))
	}
}

// payload stamps the send time into the message so receivers can measure
// delivery latency.
func payload(at time.Time, size int) string {
	stamp := strconv.FormatInt(at.UnixNano(), 10) + ":"
	if size <= len(stamp) {
		return stamp
	}
	return stamp + strings.Repeat("x", size-len(stamp))
}

func sentAt(content string) (time.Time, bool) {
	stamp, _, ok := strings.Cut(content, ":")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
