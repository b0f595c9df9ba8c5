package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chat-rooms/internal/store"
)

func TestSend_DeliversToOtherMembers(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")

	msg, err := h.Send(context.Background(), a, "R1", "hello", "ref-1")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if msg.ID == 0 || msg.SenderID != "A" || msg.Content != "hello" || msg.ClientRef != "ref-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	got := h.rec.of(b, EventReceiveMessage)
	if len(got) != 1 {
		t.Fatalf("expected B to receive 1 message, got %d", len(got))
	}
	if got[0].Message.ID != msg.ID || got[0].Message.Content != "hello" || got[0].UserID != "A" {
		t.Errorf("unexpected event for B: %+v", got[0])
	}
	if got := h.rec.of(a, EventReceiveMessage); len(got) != 0 {
		t.Errorf("sender should not receive its own message, got %d", len(got))
	}

	stored, err := h.store.FetchMessages(context.Background(), "R1", 0, 10)
	if err != nil {
		t.Fatalf("FetchMessages() error: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != msg.ID {
		t.Errorf("expected the message to be persisted, got %+v", stored)
	}
}

func TestSend_SkipsEveryConnectionOfSender(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a1 := h.connect(t, "A", "R1")
	a2 := h.connect(t, "A", "R1")
	b1 := h.connect(t, "B", "R1")
	b2 := h.connect(t, "B", "R1")

	if _, err := h.Send(context.Background(), a1, "R1", "hi", ""); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if n := len(h.rec.of(a2, EventReceiveMessage)); n != 0 {
		t.Errorf("sender's other connection got %d messages", n)
	}
	for _, c := range []string{b1, b2} {
		if n := len(h.rec.of(c, EventReceiveMessage)); n != 1 {
			t.Errorf("connection %s got %d messages, want 1", c, n)
		}
	}
}

func TestSend_Rejections(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")
	outsider := h.connect(t, "C", "R2")

	cases := []struct {
		name    string
		connID  string
		roomID  string
		content string
		wantErr error
	}{
		{"not a member", outsider, "R1", "hi", ErrNotAMember},
		{"unknown room", a, "R9", "hi", ErrNotAMember},
		{"empty", a, "R1", "", ErrEmptyContent},
		{"whitespace", a, "R1", "   \n", ErrEmptyContent},
		{"too long", a, "R1", strings.Repeat("x", MaxContentChars+1), ErrContentTooLong},
		{"unknown connection", "gone", "R1", "hi", ErrUnknownConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Send(context.Background(), tc.connID, tc.roomID, tc.content, "")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if n := len(h.rec.of(b, EventReceiveMessage)); n != 0 {
		t.Errorf("rejected sends must not fan out, B got %d", n)
	}
	stored, _ := h.store.FetchMessages(context.Background(), "R1", 0, 10)
	if len(stored) != 0 {
		t.Errorf("rejected sends must not persist, got %d", len(stored))
	}
}

func TestSend_NotAMemberCheckedBeforeContent(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	h.connect(t, "A", "R1")
	outsider := h.connect(t, "C")

	if _, err := h.Send(context.Background(), outsider, "R1", "", ""); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestSend_StoreFailure(t *testing.T) {
	h := newTestHub(t, Config{}, failingStore{store.NewMemory()})
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")

	_, err := h.Send(context.Background(), a, "R1", "hello", "")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if n := len(h.rec.of(b, EventReceiveMessage)); n != 0 {
		t.Errorf("failed persist must not fan out, B got %d", n)
	}
}

func TestSend_PersistTimeout(t *testing.T) {
	h := newTestHub(t, Config{PersistTimeout: 30 * time.Millisecond}, stallingStore{store.NewMemory()})
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")

	start := time.Now()
	_, err := h.Send(context.Background(), a, "R1", "hello", "")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("send should give up after the persist timeout, took %s", elapsed)
	}
	if n := len(h.rec.of(b, EventReceiveMessage)); n != 0 {
		t.Errorf("timed out persist must not fan out, B got %d", n)
	}

	// The room lock is released; membership operations still work.
	if err := h.Leave(b, "R1"); err != nil {
		t.Fatalf("Leave() after timeout error: %v", err)
	}
}

func TestSend_RecipientFailureDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")
	c := h.connect(t, "C", "R1")
	h.rec.failFor(b)

	if _, err := h.Send(context.Background(), a, "R1", "hello", ""); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if n := len(h.rec.of(c, EventReceiveMessage)); n != 1 {
		t.Errorf("C should still receive the message, got %d", n)
	}
}

func TestSend_LateJoinerDoesNotReceiveEarlierMessages(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "A", "R1")
	h.connect(t, "B", "R1")

	if _, err := h.Send(context.Background(), a, "R1", "before", ""); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	c := h.connect(t, "C", "R1")
	after, err := h.Send(context.Background(), a, "R1", "after", "")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got := h.rec.of(c, EventReceiveMessage)
	if len(got) != 1 || got[0].Message.ID != after.ID {
		t.Fatalf("late joiner should only see the later message, got %+v", got)
	}
}

func TestSend_AllMembersObserveSameOrder(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	senders := []string{
		h.connect(t, "A", "R1"),
		h.connect(t, "B", "R1"),
		h.connect(t, "C", "R1"),
	}
	observers := []string{
		h.connect(t, "X", "R1"),
		h.connect(t, "Y", "R1"),
	}

	const perSender = 25
	var wg sync.WaitGroup
	for _, connID := range senders {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := h.Send(context.Background(), connID, "R1", fmt.Sprintf("m%d", i), ""); err != nil {
					t.Errorf("Send() error: %v", err)
				}
			}
		}(connID)
	}
	wg.Wait()

	ids := func(connID string) []int64 {
		var out []int64
		for _, ev := range h.rec.of(connID, EventReceiveMessage) {
			out = append(out, ev.Message.ID)
		}
		return out
	}
	x, y := ids(observers[0]), ids(observers[1])
	if len(x) != len(senders)*perSender || len(y) != len(x) {
		t.Fatalf("expected %d messages per observer, got %d and %d", len(senders)*perSender, len(x), len(y))
	}
	for i := range x {
		if x[i] != y[i] {
			t.Fatalf("observers diverge at %d: %d vs %d", i, x[i], y[i])
		}
		if i > 0 && x[i] <= x[i-1] {
			t.Fatalf("ids not increasing at %d: %d after %d", i, x[i], x[i-1])
		}
	}
}

// A and B share room R1. A sends "hello"; B sees it once and A only gets
// the confirmed message back. B then drops, misses "again", reconnects
// and recovers it from the store.
func TestSend_HelloScenarioWithReconnect(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")
	ctx := context.Background()

	hello, err := h.Send(ctx, a, "R1", "hello", "tmp-1")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := h.rec.of(b, EventReceiveMessage); len(got) != 1 || got[0].Message.Content != "hello" {
		t.Fatalf("B should see hello exactly once, got %+v", got)
	}

	h.Unregister(b)
	if left := h.rec.of(a, EventUserLeft); len(left) != 1 || left[0].UserID != "B" {
		t.Fatalf("A should see B leave, got %+v", left)
	}

	again, err := h.Send(ctx, a, "R1", "again", "tmp-2")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	b2 := h.connect(t, "B", "R1")
	if got := h.rec.of(b2, EventReceiveMessage); len(got) != 0 {
		t.Fatalf("messages sent while B was away are not replayed live, got %+v", got)
	}

	history, err := h.store.FetchMessages(ctx, "R1", hello.ID, 50)
	if err != nil {
		t.Fatalf("FetchMessages() error: %v", err)
	}
	if len(history) != 1 || history[0].ID != again.ID || history[0].Content != "again" {
		t.Fatalf("B should recover the missed message from history, got %+v", history)
	}
}
