// Package gateway binds the room hub to the WebSocket server. It registers
// the client message handlers, encodes room events into wire frames and
// ties connection lifecycle callbacks to the connection registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chat-rooms/internal/auth"
	"github.com/whisper/chat-rooms/internal/messaging"
	"github.com/whisper/chat-rooms/internal/protocol"
	"github.com/whisper/chat-rooms/internal/ratelimit"
	"github.com/whisper/chat-rooms/internal/room"
	"github.com/whisper/chat-rooms/internal/store"
	"github.com/whisper/chat-rooms/internal/ws"
)

// Gateway owns the room hub and forwards its events to a ws.Server.
type Gateway struct {
	hub     *room.Hub
	store   store.Store
	limiter ratelimit.Limiter
	server  *ws.Server
}

// New creates the hub and the gateway in front of it. limiter and
// publisher may be nil.
func New(config room.Config, st store.Store, limiter ratelimit.Limiter, publisher room.Publisher) *Gateway {
	g := &Gateway{store: st, limiter: limiter}
	g.hub = room.NewHub(config, st, room.TransportFunc(g.deliver), publisher)
	return g
}

// Hub returns the room hub for the REST surface.
func (g *Gateway) Hub() *room.Hub {
	return g.hub
}

// Attach routes events to server and registers the connection callbacks.
// It must be called before the server starts accepting connections.
func (g *Gateway) Attach(server *ws.Server) {
	g.server = server
	server.SetOnConnect(func(id auth.Identity) (string, error) {
		return g.hub.RegisterNamed(id.UserID, id.Username)
	})
	server.SetOnDisconnect(func(c *ws.Connection) {
		g.hub.Unregister(c.ID)
	})
}

// Register installs the client message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, g.handleJoin)
	d.Register(protocol.TypeLeaveRoom, g.handleLeave)
	d.Register(protocol.TypeSendMessage, g.handleSend)
	d.Register(protocol.TypeTypingStart, g.handleTypingStart)
	d.Register(protocol.TypeTypingStop, g.handleTypingStop)
}

func (g *Gateway) handleJoin(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}

	if m.RoomID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.store.EnsureRoom(ctx, m.RoomID); err != nil {
			log.Printf("[join] ensure room=%s failed: %v", m.RoomID, err)
		}
		cancel()
	}

	if err := g.hub.Join(conn.ID, m.RoomID); err != nil {
		replyError(conn, err, m.RoomID, "")
		return
	}
	ws.Reply(conn, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		RoomID:    m.RoomID,
		Members:   g.hub.MembersOf(m.RoomID),
		Usernames: g.hub.MemberNames(m.RoomID),
	})
}

func (g *Gateway) handleLeave(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}
	if err := g.hub.Leave(conn.ID, m.RoomID); err != nil {
		replyError(conn, err, m.RoomID, "")
		return
	}
	ws.Reply(conn, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: m.RoomID})
}

func (g *Gateway) handleSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	if !g.allow(conn, ratelimit.RuleMessage) {
		replyError(conn, ratelimit.ErrRateLimited, m.RoomID, m.ClientRef)
		return
	}

	stored, err := g.hub.Send(context.Background(), conn.ID, m.RoomID, m.Content, m.ClientRef)
	if err != nil {
		replyError(conn, err, m.RoomID, m.ClientRef)
		return
	}
	ack := protocol.NewMessage(stored)
	ack.SenderUsername = conn.Username
	ws.Reply(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{
		ClientRef: m.ClientRef,
		Message:   ack,
	})
}

func (g *Gateway) handleTypingStart(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	if !g.allow(conn, ratelimit.RuleTyping) {
		return
	}
	if err := g.hub.StartTyping(conn.ID, m.RoomID); err != nil {
		replyError(conn, err, m.RoomID, "")
	}
}

func (g *Gateway) handleTypingStop(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	if err := g.hub.StopTyping(conn.ID, m.RoomID); err != nil {
		replyError(conn, err, m.RoomID, "")
	}
}

func (g *Gateway) allow(conn *ws.Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(context.Background(), conn.UserID, rule)
	if !ok {
		log.Printf("[ratelimit] limited user=%s rule=%s", conn.UserID, rule.Key)
	}
	return ok
}

// deliver is the hub's Transport. It runs under the room lock and only
// queues the frame.
func (g *Gateway) deliver(connID string, ev room.Event) error {
	if g.server == nil {
		return errors.New("gateway: no server attached")
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return g.server.Deliver(connID, data)
}

// Encode converts a room event into its wire frame.
func Encode(ev room.Event) ([]byte, error) {
	switch ev.Kind {
	case room.EventReceiveMessage:
		if ev.Message == nil {
			return nil, fmt.Errorf("gateway: %s without message", ev.Kind)
		}
		return protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
			Message: wireMessage(ev),
		})
	case room.EventUserJoined:
		return protocol.NewServerMessage(protocol.TypeUserJoined, protocol.MemberMsg{RoomID: ev.RoomID, UserID: ev.UserID, Username: ev.Username})
	case room.EventUserLeft:
		return protocol.NewServerMessage(protocol.TypeUserLeft, protocol.MemberMsg{RoomID: ev.RoomID, UserID: ev.UserID, Username: ev.Username})
	case room.EventTypingStart:
		return protocol.NewServerMessage(protocol.TypeTypingStart, protocol.ServerTypingMsg{RoomID: ev.RoomID, UserID: ev.UserID, Username: ev.Username})
	case room.EventTypingStop:
		return protocol.NewServerMessage(protocol.TypeTypingStop, protocol.ServerTypingMsg{RoomID: ev.RoomID, UserID: ev.UserID, Username: ev.Username})
	default:
		return nil, fmt.Errorf("gateway: unknown event kind %q", ev.Kind)
	}
}

// BusPublisher publishes every fanned-out event to the NATS room subjects.
func BusPublisher(bus *messaging.NATSClient, serverName string) room.Publisher {
	return room.PublisherFunc(func(ev room.Event) error {
		return bus.PublishRoomEvent(BusEvent(ev, serverName))
	})
}

// BusEvent converts a room event into its bus form.
func BusEvent(ev room.Event, serverName string) messaging.RoomEvent {
	out := messaging.RoomEvent{
		Type:     ev.Kind,
		RoomID:   ev.RoomID,
		UserID:   ev.UserID,
		Username: ev.Username,
		Server:   serverName,
		Ts:       ev.At.Unix(),
	}
	if ev.Message != nil {
		m := wireMessage(ev)
		out.Message = &m
	}
	return out
}

// wireMessage is the message of a receive_message event with the sender's
// display name attached.
func wireMessage(ev room.Event) protocol.Message {
	m := protocol.NewMessage(*ev.Message)
	m.SenderUsername = ev.Username
	return m
}

func replyError(conn *ws.Connection, err error, roomID, clientRef string) {
	code := room.Code(err)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		code = ratelimit.CodeRateLimited
	}
	msg := err.Error()
	if code == room.CodeDeliveryFailed {
		msg = "message could not be stored"
	}
	log.Printf("[%s] conn=%s user=%s room=%s: %v", code, conn.ID, conn.UserID, roomID, err)
	ws.SendError(conn, code, msg, roomID, clientRef)
}
