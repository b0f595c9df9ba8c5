package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewRedis(client)
}

func TestRedis_AllowUpToLimit(t *testing.T) {
	l := newTestRedis(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected 4th request to be limited")
	}

	remaining, _ := l.Remaining(ctx, "alice", rule)
	if remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", remaining)
	}
	remaining, _ = l.Remaining(ctx, "bob", rule)
	if remaining != rule.Limit {
		t.Errorf("expected full limit for unseen identifier, got %d", remaining)
	}
}

func TestRedis_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	l := NewRedis(client)

	ok, err := l.Allow(context.Background(), "alice", RuleMessage)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !ok {
		t.Error("expected fail-open when redis is unreachable")
	}
}

func TestLocal_BurstThenRefill(t *testing.T) {
	l := NewLocal()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 10 * time.Second}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "alice", rule); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "alice", rule); ok {
		t.Fatal("third request within the window should be limited")
	}
	if ok, _ := l.Allow(ctx, "bob", rule); !ok {
		t.Fatal("other identifiers have their own bucket")
	}

	// One token refills every Window/Limit.
	now = now.Add(5 * time.Second)
	if ok, _ := l.Allow(ctx, "alice", rule); !ok {
		t.Fatal("expected a refilled token after Window/Limit")
	}
	if ok, _ := l.Allow(ctx, "alice", rule); ok {
		t.Fatal("only one token should have refilled")
	}
}

func TestLocal_RulesAreIndependent(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	strict := Rule{Key: "rl:test:a:", Limit: 1, Window: time.Minute}
	loose := Rule{Key: "rl:test:b:", Limit: 5, Window: time.Minute}

	_, _ = l.Allow(ctx, "alice", strict)
	if ok, _ := l.Allow(ctx, "alice", strict); ok {
		t.Fatal("strict rule should be exhausted")
	}
	if ok, _ := l.Allow(ctx, "alice", loose); !ok {
		t.Fatal("loose rule should not be affected")
	}
}

func TestLocal_SweepDropsIdleBuckets(t *testing.T) {
	l := NewLocal()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}
	ctx := context.Background()

	_, _ = l.Allow(ctx, "idle", rule)
	now = now.Add(time.Minute)
	for i := 0; i < localSweepEvery; i++ {
		_, _ = l.Allow(ctx, "busy", rule)
	}

	l.mu.Lock()
	_, present := l.buckets[rule.Key+"idle"]
	l.mu.Unlock()
	if present {
		t.Error("idle bucket should have been swept")
	}
}

func TestLocal_ZeroRuleAllows(t *testing.T) {
	l := NewLocal()
	if ok, err := l.Allow(context.Background(), "x", Rule{}); !ok || err != nil {
		t.Fatalf("expected zero rule to allow, got ok=%v err=%v", ok, err)
	}
}
