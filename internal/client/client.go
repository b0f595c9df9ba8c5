// Package client is the consumer side of the room server. Timeline holds
// the reconciliation rules that keep one de-duplicated message list per
// room; Client drives a WebSocket connection and the REST send path on top
// of it and repairs gaps after a dropped channel.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/chat-rooms/internal/protocol"
	"github.com/whisper/chat-rooms/internal/ratelimit"
	"github.com/whisper/chat-rooms/internal/room"
	"github.com/whisper/chat-rooms/internal/store"
)

// ErrChannelDropped is returned when the real-time channel is gone. The
// caller recovers with Reconnect; nothing durable is lost.
var ErrChannelDropped = errors.New("client: real-time channel dropped")

// EventDropped is delivered to the event handler when the channel drops
// unexpectedly.
const EventDropped = "dropped"

// Config holds client connection settings.
type Config struct {
	ServerURL   string // http(s)://host:port of the room server
	Token       string // bearer token
	DialTimeout time.Duration
	HTTPClient  *http.Client
}

// Event is a server event after it has been applied to the client state.
type Event struct {
	Type     string
	RoomID   string
	UserID   string
	Username string // actor's display name when the server knows it
	Message  *protocol.Message
	Err      *APIError
}

// APIError is a rejection reported by the server over either surface.
type APIError struct {
	Status  int // HTTP status, 0 for real-time errors
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %s: %s", e.Code, e.Message)
}

var codeErrors = map[string]error{
	room.CodeUnauthenticated:   room.ErrUnauthenticated,
	room.CodeUnknownConnection: room.ErrUnknownConnection,
	room.CodeNotAMember:        room.ErrNotAMember,
	room.CodeEmptyContent:      room.ErrEmptyContent,
	room.CodeContentTooLong:    room.ErrContentTooLong,
	room.CodeInvalidContent:    room.ErrInvalidContent,
	room.CodeInvalidRoom:       room.ErrInvalidRoom,
	room.CodeDeliveryFailed:    room.ErrDeliveryFailed,
	ratelimit.CodeRateLimited:  ratelimit.ErrRateLimited,
}

// Unwrap maps the wire code back to the server's sentinel error so callers
// can use errors.Is.
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// Client is a single user's connection to the room server.
type Client struct {
	config Config
	http   *http.Client

	mu        sync.Mutex
	conn      net.Conn
	dropped   chan struct{}
	sessionID string
	userID    string
	username  string
	names     map[string]string // user_id -> display name
	timelines map[string]*Timeline
	joined    map[string]bool
	members   map[string]map[string]struct{}
	typing    map[string]map[string]struct{}
	waiters   map[string]chan error
	handler   func(Event)

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(config Config) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	closed := make(chan struct{})
	close(closed)
	return &Client{
		config:    config,
		http:      hc,
		dropped:   closed,
		names:     make(map[string]string),
		timelines: make(map[string]*Timeline),
		joined:    make(map[string]bool),
		members:   make(map[string]map[string]struct{}),
		typing:    make(map[string]map[string]struct{}),
		waiters:   make(map[string]chan error),
	}
}

// OnEvent sets the callback for applied server events. It runs on the read
// goroutine and must not block.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Connect dials the real-time channel and waits for the session greeting.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}

	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{"Bearer " + c.config.Token}}),
		Timeout: c.config.DialTimeout,
	}
	conn, br, _, err := dialer.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", wsURL, err)
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: br}
	}

	rd := &wsutil.Reader{Source: conn, State: ws.StateClientSide, CheckUTF8: true}
	_ = conn.SetReadDeadline(time.Now().Add(c.config.DialTimeout))
	data, err := c.readText(conn, rd)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: read greeting: %w", err)
	}
	var created protocol.SessionCreatedMsg
	if err := json.Unmarshal(data, &created); err != nil || created.Type != protocol.TypeSessionCreated {
		conn.Close()
		return fmt.Errorf("client: unexpected greeting %q", data)
	}

	dropped := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.dropped = dropped
	c.sessionID = created.SessionID
	c.userID = created.UserID
	c.username = created.Username
	if created.Username != "" {
		c.names[created.UserID] = created.Username
	}
	c.mu.Unlock()

	go c.readLoop(conn, rd, dropped)
	log.Printf("client: connected session=%s user=%s", created.SessionID, created.UserID)
	return nil
}

// Reconnect replaces the channel, re-joins every previously joined room and
// re-fetches each room's history into its timeline.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	rooms := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	sort.Strings(rooms)
	for _, id := range rooms {
		if err := c.Join(ctx, id); err != nil {
			return fmt.Errorf("client: rejoin %s: %w", id, err)
		}
	}
	return nil
}

// Close shuts the channel down without triggering EventDropped.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Dropped is closed when the current channel ends.
func (c *Client) Dropped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Username returns the display name announced by the server, if any.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// DisplayName returns the last name seen for userID, or userID itself.
func (c *Client) DisplayName(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.names[userID]; ok {
		return name
	}
	return userID
}

func (c *Client) learnName(userID, username string) {
	if userID == "" || username == "" {
		return
	}
	c.mu.Lock()
	c.names[userID] = username
	c.mu.Unlock()
}

// UserID returns the user id announced by the server.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SessionID returns the current connection id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Join joins roomID, waits for the server's confirmation and loads the
// room's history.
func (c *Client) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.timelines[roomID] == nil {
		c.timelines[roomID] = NewTimeline(roomID)
	}
	c.mu.Unlock()

	if err := c.request(ctx, "join:"+roomID, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: roomID}); err != nil {
		c.mu.Lock()
		if !c.joined[roomID] {
			delete(c.timelines, roomID)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.joined[roomID] = true
	c.mu.Unlock()
	return c.Sync(ctx, roomID)
}

// Leave leaves roomID and forgets its state.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	if err := c.request(ctx, "leave:"+roomID, protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomID: roomID}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.joined, roomID)
	delete(c.timelines, roomID)
	delete(c.members, roomID)
	delete(c.typing, roomID)
	c.mu.Unlock()
	return nil
}

// Sync pages through history from the timeline's synced watermark and
// merges every page. Starting below LastID backfills messages whose
// broadcast never arrived; ids already held are skipped by the merge.
func (c *Client) Sync(ctx context.Context, roomID string) error {
	tl := c.Timeline(roomID)
	if tl == nil {
		return room.ErrNotAMember
	}
	since := tl.SyncedThrough()
	for {
		msgs, err := c.History(ctx, roomID, since, store.MaxFetchLimit)
		if err != nil {
			return err
		}
		tl.Reset(msgs)
		if len(msgs) > 0 {
			since = msgs[len(msgs)-1].ID
			tl.markSynced(since)
		}
		if len(msgs) < store.MaxFetchLimit {
			return nil
		}
	}
}

// Send adds an optimistic entry, stores the message through the REST path
// and confirms or fails the entry with the result.
func (c *Client) Send(ctx context.Context, roomID, content string) (Entry, error) {
	tl := c.Timeline(roomID)
	if tl == nil {
		return Entry{}, room.ErrNotAMember
	}
	ref := uuid.NewString()
	tl.AddPending(ref, c.UserID(), content)

	body, _ := json.Marshal(map[string]string{"content": content, "client_ref": ref})
	var msg protocol.Message
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", body, &msg); err != nil {
		tl.Fail(ref)
		e, _ := tl.Lookup(ref)
		return e, err
	}
	tl.Confirm(ref, msg)
	return Entry{ClientRef: ref, State: Confirmed, Message: msg}, nil
}

// SendRealtime sends over the WebSocket channel. The returned entry is
// pending; the ack or error event resolves it.
func (c *Client) SendRealtime(roomID, content string) (Entry, error) {
	tl := c.Timeline(roomID)
	if tl == nil {
		return Entry{}, room.ErrNotAMember
	}
	ref := uuid.NewString()
	e := tl.AddPending(ref, c.UserID(), content)
	err := c.write(protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: roomID, Content: content, ClientRef: ref})
	if err != nil {
		tl.Fail(ref)
		e.State = Failed
	}
	return e, err
}

// History fetches stored messages of roomID in ascending id order.
func (c *Client) History(ctx context.Context, roomID string, since int64, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// StartTyping announces that the user is typing in roomID.
func (c *Client) StartTyping(roomID string) error {
	return c.write(protocol.TypingMsg{Type: protocol.TypeTypingStart, RoomID: roomID})
}

// StopTyping withdraws the typing indicator.
func (c *Client) StopTyping(roomID string) error {
	return c.write(protocol.TypingMsg{Type: protocol.TypeTypingStop, RoomID: roomID})
}

// Timeline returns the timeline of a joined room, or nil.
func (c *Client) Timeline(roomID string) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timelines[roomID]
}

// Members returns the known members of roomID, sorted.
func (c *Client) Members(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.members[roomID])
}

// Typing returns the users currently typing in roomID, sorted.
func (c *Client) Typing(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.typing[roomID])
}

// request writes v and waits for the reply registered under key.
func (c *Client) request(ctx context.Context, key string, v interface{}) error {
	ch := make(chan error, 1)
	c.mu.Lock()
	c.waiters[key] = ch
	dropped := c.dropped
	c.mu.Unlock()

	if err := c.write(v); err != nil {
		c.resolve(key, err)
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-dropped:
		c.resolve(key, ErrChannelDropped)
		return ErrChannelDropped
	case <-ctx.Done():
		c.resolve(key, ctx.Err())
		return ctx.Err()
	}
}

func (c *Client) resolve(key string, err error) bool {
	c.mu.Lock()
	ch, ok := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (c *Client) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelDropped
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelDropped, err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn, rd *wsutil.Reader, dropped chan struct{}) {
	var readErr error
	defer func() {
		c.mu.Lock()
		unexpected := c.conn == conn
		if unexpected {
			c.conn = nil
		}
		handler := c.handler
		c.mu.Unlock()
		close(dropped)

		if unexpected {
			log.Printf("client: channel dropped: %v", readErr)
			if handler != nil {
				handler(Event{Type: EventDropped})
			}
		}
	}()

	for {
		data, err := c.readText(conn, rd)
		if err != nil {
			readErr = err
			return
		}
		c.handle(data)
	}
}

// readText returns the next text frame, answering control frames.
func (c *Client) readText(conn net.Conn, rd *wsutil.Reader) ([]byte, error) {
	ctl := wsutil.ControlHandler{
		Src:   rd,
		Dst:   lockedWriter{w: conn, mu: &c.writeMu},
		State: ws.StateClientSide,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := ctl.Handle(hdr); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// handle applies one server frame to the client state and notifies the
// handler. Membership and typing updates never touch the timelines.
func (c *Client) handle(data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		log.Printf("client: bad frame: %v", err)
		return
	}

	ev := Event{Type: typ}
	switch typ {
	case protocol.TypeRoomJoined:
		var m protocol.RoomJoinedMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		set := make(map[string]struct{}, len(m.Members))
		for _, u := range m.Members {
			set[u] = struct{}{}
		}
		c.mu.Lock()
		c.members[m.RoomID] = set
		for u, name := range m.Usernames {
			c.names[u] = name
		}
		c.mu.Unlock()
		ev.RoomID = m.RoomID
		c.resolve("join:"+m.RoomID, nil)

	case protocol.TypeRoomLeft:
		var m protocol.RoomLeftMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		ev.RoomID = m.RoomID
		c.resolve("leave:"+m.RoomID, nil)

	case protocol.TypeReceiveMessage:
		var m protocol.ReceiveMessageMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		if tl := c.Timeline(m.Message.RoomID); tl != nil {
			if !tl.Receive(m.Message) {
				return
			}
		}
		c.learnName(m.Message.SenderID, m.Message.SenderUsername)
		ev.RoomID, ev.UserID, ev.Username, ev.Message = m.Message.RoomID, m.Message.SenderID, m.Message.SenderUsername, &m.Message

	case protocol.TypeMessageAck:
		var m protocol.MessageAckMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		if tl := c.Timeline(m.Message.RoomID); tl != nil {
			tl.Confirm(m.ClientRef, m.Message)
		}
		ev.RoomID, ev.UserID, ev.Message = m.Message.RoomID, m.Message.SenderID, &m.Message

	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		var m protocol.MemberMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		c.mu.Lock()
		if typ == protocol.TypeUserJoined {
			if c.members[m.RoomID] == nil {
				c.members[m.RoomID] = make(map[string]struct{})
			}
			c.members[m.RoomID][m.UserID] = struct{}{}
		} else {
			delete(c.members[m.RoomID], m.UserID)
			delete(c.typing[m.RoomID], m.UserID)
		}
		c.mu.Unlock()
		c.learnName(m.UserID, m.Username)
		ev.RoomID, ev.UserID, ev.Username = m.RoomID, m.UserID, m.Username

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		var m protocol.ServerTypingMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		c.mu.Lock()
		if typ == protocol.TypeTypingStart {
			if c.typing[m.RoomID] == nil {
				c.typing[m.RoomID] = make(map[string]struct{})
			}
			c.typing[m.RoomID][m.UserID] = struct{}{}
		} else {
			delete(c.typing[m.RoomID], m.UserID)
		}
		c.mu.Unlock()
		c.learnName(m.UserID, m.Username)
		ev.RoomID, ev.UserID, ev.Username = m.RoomID, m.UserID, m.Username

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		apiErr := &APIError{Code: m.Code, Message: m.Message}
		if m.ClientRef != "" {
			if tl := c.Timeline(m.RoomID); tl != nil {
				tl.Fail(m.ClientRef)
			}
		} else {
			if !c.resolve("join:"+m.RoomID, apiErr) {
				c.resolve("leave:"+m.RoomID, apiErr)
			}
		}
		ev.RoomID, ev.Err = m.RoomID, apiErr

	case protocol.TypePong:
	default:
		log.Printf("client: ignoring frame type=%s", typ)
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// do performs an authenticated REST call and decodes a JSON response into
// out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.ServerURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", fmt.Errorf("client: bad server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
