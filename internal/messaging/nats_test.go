package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/chat-rooms/internal/protocol"
)

func TestRoomSubject(t *testing.T) {
	if got := RoomSubject("lobby"); got != "chat.room.lobby" {
		t.Errorf("RoomSubject() = %q", got)
	}

	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"chat.room.lobby", "lobby", true},
		{"chat.room.", "", false},
		{"chat.lobby", "", false},
		{"match.found.x", "", false},
	}
	for _, tt := range tests {
		got, ok := RoomIDFromSubject(tt.subject)
		if got != tt.want || ok != tt.ok {
			t.Errorf("RoomIDFromSubject(%q) = %q, %v; want %q, %v", tt.subject, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecodeRoomEvent(t *testing.T) {
	msg := &protocol.Message{ID: 9007199254740993, RoomID: "lobby", SenderID: "alice", Content: "hi", Type: "text", CreatedAt: time.Unix(0, 0).UTC()}
	data, err := json.Marshal(RoomEvent{Type: "receive_message", UserID: "alice", Message: msg, Server: "ws-1", Ts: 1})
	if err != nil {
		t.Fatal(err)
	}

	ev, err := DecodeRoomEvent("chat.room.lobby", data)
	if err != nil {
		t.Fatalf("DecodeRoomEvent() error: %v", err)
	}
	if ev.RoomID != "lobby" {
		t.Errorf("expected room id from subject, got %q", ev.RoomID)
	}
	if ev.Message == nil || ev.Message.ID != msg.ID {
		t.Errorf("message not preserved: %+v", ev.Message)
	}

	if _, err := DecodeRoomEvent("chat.room.lobby", []byte(`{"room_id":"lobby"}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := DecodeRoomEvent("other", []byte(`{"type":"user_left"}`)); err == nil {
		t.Error("expected error when no room id is available")
	}
	if _, err := DecodeRoomEvent("chat.room.lobby", []byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}
