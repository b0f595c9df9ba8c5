package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/chat-rooms/internal/protocol"
	"github.com/whisper/chat-rooms/internal/room"
	"github.com/whisper/chat-rooms/internal/store"
)

func TestEncode(t *testing.T) {
	msg := &store.Message{ID: 42, RoomID: "R", SenderID: "alice", Content: "hi", Type: store.MessageTypeText, CreatedAt: time.Unix(100, 0).UTC()}

	tests := []struct {
		ev   room.Event
		want string
	}{
		{room.Event{Kind: room.EventReceiveMessage, RoomID: "R", UserID: "alice", Username: "Alice", Message: msg}, protocol.TypeReceiveMessage},
		{room.Event{Kind: room.EventUserJoined, RoomID: "R", UserID: "bob", Username: "Bob"}, protocol.TypeUserJoined},
		{room.Event{Kind: room.EventUserLeft, RoomID: "R", UserID: "bob"}, protocol.TypeUserLeft},
		{room.Event{Kind: room.EventTypingStart, RoomID: "R", UserID: "bob"}, protocol.TypeTypingStart},
		{room.Event{Kind: room.EventTypingStop, RoomID: "R", UserID: "bob"}, protocol.TypeTypingStop},
	}
	for _, tt := range tests {
		data, err := Encode(tt.ev)
		if err != nil {
			t.Fatalf("Encode(%s) error: %v", tt.ev.Kind, err)
		}
		if typ, _ := protocol.PeekType(data); typ != tt.want {
			t.Errorf("Encode(%s) type = %q, want %q", tt.ev.Kind, typ, tt.want)
		}
	}

	data, _ := Encode(tests[0].ev)
	var rm protocol.ReceiveMessageMsg
	if err := json.Unmarshal(data, &rm); err != nil {
		t.Fatal(err)
	}
	if rm.Message.ID != 42 || rm.Message.Content != "hi" || rm.Message.SenderUsername != "Alice" {
		t.Errorf("unexpected message payload: %+v", rm.Message)
	}

	var mm protocol.MemberMsg
	data, _ = Encode(tests[1].ev)
	_ = json.Unmarshal(data, &mm)
	if mm.RoomID != "R" || mm.UserID != "bob" || mm.Username != "Bob" {
		t.Errorf("unexpected member payload: %+v", mm)
	}

	if _, err := Encode(room.Event{Kind: room.EventReceiveMessage}); err == nil {
		t.Error("expected error for receive_message without a message")
	}
	if _, err := Encode(room.Event{Kind: "nope"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestBusEvent(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	msg := &store.Message{ID: 7, RoomID: "R", SenderID: "alice", Content: "hi"}

	ev := BusEvent(room.Event{Kind: room.EventReceiveMessage, RoomID: "R", UserID: "alice", Username: "Alice", Message: msg, At: at}, "ws-1")
	if ev.Type != room.EventReceiveMessage || ev.RoomID != "R" || ev.Server != "ws-1" || ev.Ts != at.Unix() {
		t.Errorf("unexpected bus event: %+v", ev)
	}
	if ev.Username != "Alice" || ev.Message == nil || ev.Message.ID != 7 || ev.Message.SenderUsername != "Alice" {
		t.Errorf("message not carried: %+v", ev.Message)
	}

	ev = BusEvent(room.Event{Kind: room.EventUserLeft, RoomID: "R", UserID: "bob", At: at}, "ws-1")
	if ev.Message != nil {
		t.Error("membership events carry no message")
	}
}
