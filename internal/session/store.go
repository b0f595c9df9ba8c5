package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the key prefix for the set of session ids per user.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis. The heartbeat
	// refreshes it well before it lapses.
	SessionTTL = 2 * time.Minute
)

// Session is one live connection as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session for the connection and indexes it under the
// user.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	userKey := UserSessionsPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch records activity and extends the TTL of the session and its user
// index.
func (s *Store) Touch(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, UserSessionsPrefix+userID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Online reports how many live sessions the user has across all servers.
// Index entries whose session hash has expired are pruned.
func (s *Store) Online(ctx context.Context, userID string) (int, error) {
	userKey := UserSessionsPrefix + userID
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("session: online: %w", err)
	}

	live := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, SessionPrefix+id).Result()
		if err != nil {
			return 0, fmt.Errorf("session: online: %w", err)
		}
		if n == 0 {
			s.client.SRem(ctx, userKey, id)
			continue
		}
		live++
	}
	return live, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, UserSessionsPrefix+userID, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
