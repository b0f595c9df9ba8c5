package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/whisper/chat-rooms/internal/store"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join_room message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinRoom(t *testing.T) {
	input := []byte(`{"type":"join_room","room_id":"R1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Fatalf("expected type %q, got %q", TypeJoinRoom, msgType)
	}

	jm, ok := msg.(JoinRoomMsg)
	if !ok {
		t.Fatalf("expected JoinRoomMsg, got %T", msg)
	}
	if jm.RoomID != "R1" {
		t.Errorf("expected room_id %q, got %q", "R1", jm.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"R1","content":"Hello!","client_ref":"tmp-7"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "R1" || sm.Content != "Hello!" || sm.ClientRef != "tmp-7" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: typing_start and typing_stop share one payload
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	for _, typ := range []string{TypeTypingStart, TypeTypingStop} {
		msgType, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `","room_id":"R2"}`))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		tm, ok := msg.(TypingMsg)
		if !ok {
			t.Fatalf("%s: expected TypingMsg, got %T", typ, msg)
		}
		if msgType != typ || tm.RoomID != "R2" {
			t.Errorf("%s: unexpected result type=%q msg=%+v", typ, msgType, tm)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a receive_message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ReceiveMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := ReceiveMessageMsg{
		Message: NewMessage(store.Message{
			ID:        42,
			RoomID:    "R1",
			SenderID:  "A",
			Content:   "hello",
			Type:      store.MessageTypeText,
			CreatedAt: created,
		}),
	}

	data, err := NewServerMessage(TypeReceiveMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeReceiveMessage {
		t.Errorf("expected type %q, got %v", TypeReceiveMessage, result["type"])
	}

	m, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if m["room_id"] != "R1" || m["sender_id"] != "A" || m["content"] != "hello" {
		t.Errorf("unexpected message fields: %v", m)
	}
	if id, ok := m["id"].(float64); !ok || int64(id) != 42 {
		t.Errorf("expected id 42, got %v", m["id"])
	}
	if _, present := m["client_ref"]; present {
		t.Error("empty client_ref should be omitted")
	}
}

// ---------------------------------------------------------------------------
// Test: Large ids keep full precision
// ---------------------------------------------------------------------------

func TestNewServerMessage_PreservesInt64(t *testing.T) {
	const big int64 = 1<<62 + 1
	data, err := NewServerMessage(TypeMessageAck, MessageAckMsg{
		ClientRef: "tmp-1",
		Message:   Message{ID: big, RoomID: "R1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded MessageAckMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Message.ID != big {
		t.Errorf("expected id %d, got %d", big, decoded.Message.ID)
	}
	if decoded.Type != TypeMessageAck || decoded.ClientRef != "tmp-1" {
		t.Errorf("unexpected ack: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"receive_message"}`)); err == nil {
		t.Fatal("expected server-only type to be rejected")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"join_room","room_id":7}`)); err == nil {
		t.Fatal("expected decode error for numeric room_id")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"user_joined","room_id":"R1","user_id":"B"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeUserJoined {
		t.Errorf("expected %q, got %q", TypeUserJoined, typ)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_room", `{"type":"join_room","room_id":"R1"}`, TypeJoinRoom},
		{"leave_room", `{"type":"leave_room","room_id":"R1"}`, TypeLeaveRoom},
		{"send_message", `{"type":"send_message","room_id":"R1","content":"hi"}`, TypeSendMessage},
		{"typing_start", `{"type":"typing_start","room_id":"R1"}`, TypeTypingStart},
		{"typing_stop", `{"type":"typing_stop","room_id":"R1"}`, TypeTypingStop},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
