package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chat-rooms/internal/store"
)

// recorder is a Transport that keeps every delivered event per connection.
type recorder struct {
	mu     sync.Mutex
	events map[string][]Event
	fail   map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		events: make(map[string][]Event),
		fail:   make(map[string]bool),
	}
}

func (r *recorder) Deliver(connID string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[connID] {
		return errors.New("queue full")
	}
	r.events[connID] = append(r.events[connID], ev)
	return nil
}

func (r *recorder) failFor(connID string) {
	r.mu.Lock()
	r.fail[connID] = true
	r.mu.Unlock()
}

func (r *recorder) of(connID, kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events[connID] {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) kinds(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events[connID]))
	for _, ev := range r.events[connID] {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = make(map[string][]Event)
	r.mu.Unlock()
}

// failingStore rejects every write.
type failingStore struct {
	*store.Memory
}

func (failingStore) PersistMessage(context.Context, store.Draft) (store.Message, error) {
	return store.Message{}, errors.New("connection refused")
}

// stallingStore blocks writes until the context is done.
type stallingStore struct {
	*store.Memory
}

func (stallingStore) PersistMessage(ctx context.Context, _ store.Draft) (store.Message, error) {
	<-ctx.Done()
	return store.Message{}, ctx.Err()
}

type testHub struct {
	*Hub
	rec   *recorder
	store store.Store
}

func newTestHub(t *testing.T, config Config, st store.Store) *testHub {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	rec := newRecorder()
	return &testHub{Hub: NewHub(config, st, rec, nil), rec: rec, store: st}
}

func (h *testHub) connect(t *testing.T, userID string, rooms ...string) string {
	t.Helper()
	connID, err := h.Register(userID)
	if err != nil {
		t.Fatalf("Register(%q) error: %v", userID, err)
	}
	for _, roomID := range rooms {
		if err := h.Join(connID, roomID); err != nil {
			t.Fatalf("Join(%q, %q) error: %v", connID, roomID, err)
		}
	}
	return connID
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
