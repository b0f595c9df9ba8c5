// Package ratelimit throttles per-user actions such as sending messages and
// typing notifications. The Redis implementation shares counters across
// server instances using INCR + EXPIRE fixed windows; the local
// implementation uses in-process token buckets for single-node deployments.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned to callers whose action was throttled.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// CodeRateLimited is the wire code reported for ErrRateLimited.
const CodeRateLimited = "rate_limited"

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:typing:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 10 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleTyping allows 30 typing notifications per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter decides whether an identifier may perform an action under a rule.
// Implementations fail open: an error is reported together with true.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Redis performs rate limiting checks against Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a limiter backed by the given Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Allow increments the counter for identifier and sets the expiry on first
// access. On Redis errors it fails open so that a Redis outage does not
// block legitimate traffic.
func (l *Redis) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Redis) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
