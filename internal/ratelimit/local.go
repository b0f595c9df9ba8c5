package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localSweepEvery = 1024

type bucket struct {
	lim    *rate.Limiter
	window time.Duration
	seen   time.Time
}

// Local is an in-process Limiter. Each (rule, identifier) pair gets a token
// bucket that refills Limit tokens per Window with a burst of Limit.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
	now     func() time.Time
}

// NewLocal creates an empty in-process limiter.
func NewLocal() *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for identifier. It never returns an error.
func (l *Local) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, nil
	}
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		every := rule.Window / time.Duration(rule.Limit)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), rule.Limit), window: rule.Window}
		l.buckets[key] = b
	}
	b.seen = now

	l.calls++
	if l.calls%localSweepEvery == 0 {
		l.sweep(now)
	}
	return b.lim.AllowN(now, 1), nil
}

// sweep drops buckets idle for long enough to have refilled completely.
func (l *Local) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.seen) > b.window {
			delete(l.buckets, key)
		}
	}
}
