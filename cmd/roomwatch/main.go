// Command roomwatch follows every room's events on the bus, keeps activity
// counters in Redis and queues flagged messages for review.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-rooms/internal/messaging"
	"github.com/whisper/chat-rooms/internal/moderation"
	"github.com/whisper/chat-rooms/internal/roomwatch"
)

func main() {
	log.Println("Starting room watcher...")

	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-rooms-roomwatch"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	watcher := roomwatch.New(rdb, moderation.NewFilter())

	err = natsClient.SubscribeRoomEvents(func(ev messaging.RoomEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := watcher.Handle(ctx, ev); err != nil {
			log.Printf("[roomwatch] %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to room events: %v", err)
	}

	log.Printf("Room watcher running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  subject:    %s", messaging.SubjectRoomAll)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
}
