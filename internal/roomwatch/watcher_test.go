package roomwatch

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-rooms/internal/messaging"
	"github.com/whisper/chat-rooms/internal/moderation"
	"github.com/whisper/chat-rooms/internal/protocol"
)

// newTestWatcher requires a running Redis on localhost:6379.
func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		client.Del(ctx, StatsPrefix+"test_room", FlagsPrefix+"test_room")
		client.ZRem(ctx, ActiveRooms, "test_room")
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return New(client, moderation.NewFilterWithTerms([]string{"badword"}))
}

func message(id int64, sender, content string) messaging.RoomEvent {
	return messaging.RoomEvent{
		Type:    "receive_message",
		RoomID:  "test_room",
		UserID:  sender,
		Message: &protocol.Message{ID: id, RoomID: "test_room", SenderID: sender, Content: content},
		Ts:      1_700_000_000 + id,
	}
}

func TestHandle_CountsActivity(t *testing.T) {
	w := newTestWatcher(t)
	ctx := context.Background()

	events := []messaging.RoomEvent{
		{Type: "user_joined", RoomID: "test_room", UserID: "alice", Ts: 1_700_000_000},
		{Type: "user_joined", RoomID: "test_room", UserID: "bob", Ts: 1_700_000_000},
		{Type: "typing_start", RoomID: "test_room", UserID: "bob"},
		message(1, "bob", "hello"),
		message(2, "alice", "this is a badword"),
		{Type: "user_left", RoomID: "test_room", UserID: "bob", Ts: 1_700_000_010},
	}
	for _, ev := range events {
		if err := w.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle(%s): %v", ev.Type, err)
		}
	}

	s, err := w.Stats(ctx, "test_room")
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Messages: 2, Joins: 2, Leaves: 1, Flagged: 1, LastMessageID: 2, LastSender: "alice", LastActivity: 1_700_000_010}
	if s != want {
		t.Fatalf("Stats = %+v, want %+v", s, want)
	}

	flags, err := w.Flags(ctx, "test_room", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 1 || flags[0].MessageID != 2 || flags[0].Term != "badword" {
		t.Fatalf("unexpected flags %+v", flags)
	}

	rooms, err := w.RecentRooms(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rooms {
		found = found || r == "test_room"
	}
	if !found {
		t.Errorf("test_room missing from recent rooms %v", rooms)
	}
}

func TestHandle_MessageWithoutPayload(t *testing.T) {
	w := newTestWatcher(t)
	err := w.Handle(context.Background(), messaging.RoomEvent{Type: "receive_message", RoomID: "test_room"})
	if err == nil {
		t.Fatal("expected an error for a message event without a message")
	}
}

func TestExcerpt(t *testing.T) {
	if got := excerpt("short"); got != "short" {
		t.Errorf("excerpt(short) = %q", got)
	}
	long := strings.Repeat("é", excerptLen+10)
	if got := excerpt(long); utf8.RuneCountInString(got) != excerptLen+1 {
		t.Errorf("excerpt kept %d runes", utf8.RuneCountInString(got))
	}
}
