package main

import (
	"os"
	"strconv"
	"time"

	"github.com/whisper/chat-rooms/internal/auth"
	"github.com/whisper/chat-rooms/internal/room"
	"github.com/whisper/chat-rooms/internal/ws"
)

// config is the process configuration, read from the environment.
type config struct {
	server   ws.ServerConfig
	room     room.Config
	verifier auth.VerifierConfig

	databaseURL string // empty selects the in-memory store
	redisAddr   string // empty disables sessions and shared rate limits
	natsURL     string // empty disables the event bus
	serverName  string
}

func loadConfig() config {
	c := config{
		server:   ws.DefaultServerConfig(),
		room:     room.DefaultConfig(),
		verifier: auth.VerifierConfig{Secret: os.Getenv("JWT_SECRET"), Issuer: os.Getenv("JWT_ISSUER")},

		databaseURL: os.Getenv("DATABASE_URL"),
		redisAddr:   os.Getenv("REDIS_ADDR"),
		natsURL:     os.Getenv("NATS_URL"),
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		c.server.ListenAddr = addr
	}
	envInt("WORKER_POOL_SIZE", &c.server.WorkerPoolSize)
	envInt("MAX_CONNECTIONS", &c.server.MaxConnections)
	envInt("OUTBOUND_QUEUE", &c.server.OutboundQueue)
	envDuration("READ_TIMEOUT", &c.server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &c.server.WriteTimeout)
	envDuration("TYPING_WINDOW", &c.room.TypingWindow)
	envDuration("PERSIST_TIMEOUT", &c.room.PersistTimeout)
	envDuration("JWT_LEEWAY", &c.verifier.Leeway)

	c.serverName, _ = os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		c.serverName = v
	}
	if c.serverName == "" {
		c.serverName = "ws-1"
	}
	return c
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
