// Package roomwatch consumes room events from the bus and keeps per-room
// activity counters and a review queue of flagged messages in Redis.
package roomwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-rooms/internal/messaging"
	"github.com/whisper/chat-rooms/internal/moderation"
)

// Redis key prefixes and limits.
const (
	StatsPrefix = "roomwatch:stats:" // hash per room
	FlagsPrefix = "roomwatch:flags:" // list per room, newest first
	ActiveRooms = "roomwatch:active" // zset room -> last activity

	MaxFlags   = 100
	StatsTTL   = 7 * 24 * time.Hour
	excerptLen = 140
)

// Stats is the activity summary of one room.
type Stats struct {
	Messages      int64  `redis:"messages"`
	Joins         int64  `redis:"joins"`
	Leaves        int64  `redis:"leaves"`
	Flagged       int64  `redis:"flagged"`
	LastMessageID int64  `redis:"last_message_id"`
	LastSender    string `redis:"last_sender"`
	LastActivity  int64  `redis:"last_activity"`
}

// Watcher applies bus events to Redis.
type Watcher struct {
	rdb    *redis.Client
	filter *moderation.Filter
}

// New creates a Watcher. filter may be nil to skip content checks.
func New(rdb *redis.Client, filter *moderation.Filter) *Watcher {
	return &Watcher{rdb: rdb, filter: filter}
}

// Handle applies one room event. Typing events carry no durable activity
// and are ignored.
func (w *Watcher) Handle(ctx context.Context, ev messaging.RoomEvent) error {
	key := StatsPrefix + ev.RoomID
	ts := ev.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}

	pipe := w.rdb.TxPipeline()
	switch ev.Type {
	case "receive_message":
		if ev.Message == nil {
			return fmt.Errorf("roomwatch: %s without message", ev.Type)
		}
		pipe.HIncrBy(ctx, key, "messages", 1)
		pipe.HSet(ctx, key, "last_message_id", ev.Message.ID, "last_sender", ev.Message.SenderID)
		if w.filter != nil {
			if flag := w.filter.Check(ev.Message.Content); flag.Flagged {
				rec, _ := json.Marshal(moderation.FlaggedMessage{
					RoomID:    ev.RoomID,
					MessageID: ev.Message.ID,
					SenderID:  ev.Message.SenderID,
					Reason:    flag.Reason,
					Term:      flag.Term,
					Excerpt:   excerpt(ev.Message.Content),
					Ts:        ts,
				})
				flagKey := FlagsPrefix + ev.RoomID
				pipe.HIncrBy(ctx, key, "flagged", 1)
				pipe.LPush(ctx, flagKey, rec)
				pipe.LTrim(ctx, flagKey, 0, MaxFlags-1)
				pipe.Expire(ctx, flagKey, StatsTTL)
				log.Printf("[roomwatch] FLAGGED room=%s message=%d sender=%s reason=%s term=%q",
					ev.RoomID, ev.Message.ID, ev.Message.SenderID, flag.Reason, flag.Term)
			}
		}
	case "user_joined":
		pipe.HIncrBy(ctx, key, "joins", 1)
	case "user_left":
		pipe.HIncrBy(ctx, key, "leaves", 1)
	default:
		return nil
	}
	pipe.HSet(ctx, key, "last_activity", ts)
	pipe.Expire(ctx, key, StatsTTL)
	pipe.ZAdd(ctx, ActiveRooms, redis.Z{Score: float64(ts), Member: ev.RoomID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roomwatch: apply %s room=%s: %w", ev.Type, ev.RoomID, err)
	}
	return nil
}

// Stats returns the counters of roomID; a room never seen has zero stats.
func (w *Watcher) Stats(ctx context.Context, roomID string) (Stats, error) {
	var s Stats
	if err := w.rdb.HGetAll(ctx, StatsPrefix+roomID).Scan(&s); err != nil {
		return Stats{}, fmt.Errorf("roomwatch: stats: %w", err)
	}
	return s, nil
}

// Flags returns up to n of the newest flagged messages of roomID.
func (w *Watcher) Flags(ctx context.Context, roomID string, n int) ([]moderation.FlaggedMessage, error) {
	raw, err := w.rdb.LRange(ctx, FlagsPrefix+roomID, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("roomwatch: flags: %w", err)
	}
	out := make([]moderation.FlaggedMessage, 0, len(raw))
	for _, r := range raw {
		var f moderation.FlaggedMessage
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// RecentRooms returns the n most recently active rooms.
func (w *Watcher) RecentRooms(ctx context.Context, n int) ([]string, error) {
	rooms, err := w.rdb.ZRevRange(ctx, ActiveRooms, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("roomwatch: recent rooms: %w", err)
	}
	return rooms, nil
}

func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptLen {
		return s
	}
	r := []rune(s)
	return string(r[:excerptLen]) + "…"
}
