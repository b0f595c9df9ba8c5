package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-rooms/internal/api"
	"github.com/whisper/chat-rooms/internal/auth"
	"github.com/whisper/chat-rooms/internal/gateway"
	"github.com/whisper/chat-rooms/internal/messaging"
	"github.com/whisper/chat-rooms/internal/metrics"
	"github.com/whisper/chat-rooms/internal/ratelimit"
	"github.com/whisper/chat-rooms/internal/room"
	"github.com/whisper/chat-rooms/internal/session"
	"github.com/whisper/chat-rooms/internal/store"
	"github.com/whisper/chat-rooms/internal/ws"
)

func main() {
	cfg := loadConfig()
	if cfg.verifier.Secret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// --- Message store ---
	var st store.Store
	if cfg.databaseURL != "" {
		// OpenPostgres applies pending migrations before the pool opens.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.OpenPostgres(ctx, cfg.databaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		st = pg
	} else {
		log.Printf("DATABASE_URL not set, messages are kept in memory")
		st = store.NewMemory()
	}

	// --- Redis: sessions and shared rate limits ---
	var (
		sessionStore *session.Store
		limiter      ratelimit.Limiter = ratelimit.NewLocal()
	)
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		sessionStore = session.NewStoreWithClient(rdb, cfg.serverName)
		limiter = ratelimit.NewRedis(rdb)
	}

	// --- NATS: room event bus ---
	var (
		natsClient *messaging.NATSClient
		publisher  room.Publisher
	)
	if cfg.natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.natsURL
		natsConfig.Name = "chat-rooms-" + cfg.serverName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		publisher = gateway.BusPublisher(natsClient, cfg.serverName)
	}

	verifier := auth.NewVerifier(cfg.verifier)
	gw := gateway.New(cfg.room, st, limiter, publisher)

	dispatcher := ws.NewMessageDispatcher()
	gw.Register(dispatcher)

	server := ws.NewServer(cfg.server, verifier, sessionStore, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	gw.Attach(server)
	rest := api.NewHandler(gw.Hub(), st, verifier, limiter)
	if sessionStore != nil {
		rest.SetPresence(sessionStore)
	}
	server.Handle("/api", rest)
	server.Handle("/metrics", metrics.Handler())

	log.Printf("chat-rooms server starting")
	log.Printf("  listen_addr:     %s", cfg.server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.server.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.server.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.server.WriteTimeout)
	log.Printf("  typing_window:   %s", cfg.room.TypingWindow)
	log.Printf("  postgres:        %v", cfg.databaseURL != "")
	log.Printf("  redis_addr:      %s", cfg.redisAddr)
	log.Printf("  nats_url:        %s", cfg.natsURL)
	log.Printf("  server_name:     %s", cfg.serverName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
