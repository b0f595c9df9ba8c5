package ws

import (
	"errors"
	"log"

	"github.com/whisper/chat-rooms/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinRoomMsg, protocol.SendMessageMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s type=%q: %v", conn.ID, msgType, err)
		if errors.Is(err, protocol.ErrUnknownType) {
			SendError(conn, "unsupported_type", "unsupported message type", "", "")
			return
		}
		SendError(conn, "parse_error", "invalid message format", "", "")
		return
	}

	// Built-in ping handler, answered without registration.
	if msgType == protocol.TypePing {
		Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		SendError(conn, "unsupported_type", "unsupported message type", "", "")
		return
	}

	handler(conn, msg)
}

// Reply encodes payload as a server message of msgType and queues it on the
// connection. Failures are logged but not propagated.
func Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to queue %s conn=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends a structured error message back to the client. roomID and
// clientRef identify the failed request and may be empty.
func SendError(conn *Connection, code, message, roomID, clientRef string) {
	Reply(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:      code,
		Message:   message,
		RoomID:    roomID,
		ClientRef: clientRef,
	})
}
