package room

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegister_RequiresUser(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	if _, err := h.Register(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if h.Registry.Count() != 0 {
		t.Errorf("expected no connections, got %d", h.Registry.Count())
	}
}

func TestRegister_ManyConnectionsPerUser(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c1 := h.connect(t, "alice")
	c2 := h.connect(t, "alice")
	if c1 == c2 {
		t.Fatal("expected distinct connection ids")
	}
	if got := h.Registry.ConnectionsOf("alice"); len(got) != 2 {
		t.Errorf("expected 2 connections for alice, got %v", got)
	}
	info, ok := h.Registry.Lookup(c1)
	if !ok || info.UserID != "alice" {
		t.Errorf("unexpected lookup result: %+v ok=%v", info, ok)
	}
}

func TestJoin_Idempotent(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "alice", "R1")
	b := h.connect(t, "bob", "R1")

	if err := h.Join(b, "R1"); err != nil {
		t.Fatalf("second Join() error: %v", err)
	}
	if got := h.rec.of(a, EventUserJoined); len(got) != 1 {
		t.Errorf("expected 1 user_joined for alice, got %d", len(got))
	}
	if got := h.MembersOf("R1"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("unexpected members: %v", got)
	}
	if got := h.Registry.Rooms(b); !reflect.DeepEqual(got, []string{"R1"}) {
		t.Errorf("unexpected rooms for bob: %v", got)
	}
}

func TestJoin_EventsGoToOtherUsersOnly(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "alice", "R1")
	b1 := h.connect(t, "bob", "R1")
	b2 := h.connect(t, "bob", "R1")

	if got := h.rec.of(b1, EventUserJoined); len(got) != 0 {
		t.Errorf("bob should not see his own join, got %d events", len(got))
	}
	if got := h.rec.of(b2, EventUserJoined); len(got) != 0 {
		t.Errorf("bob's second connection should not see a join, got %d events", len(got))
	}
	joins := h.rec.of(a, EventUserJoined)
	if len(joins) != 1 || joins[0].UserID != "bob" || joins[0].RoomID != "R1" {
		t.Errorf("alice should see exactly one join for bob, got %+v", joins)
	}
}

func TestJoin_Errors(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "alice")

	if err := h.Join(a, ""); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("expected ErrInvalidRoom, got %v", err)
	}
	if err := h.Join("nope", "R1"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
	if h.Table.RoomCount() != 0 {
		t.Errorf("failed joins should not create rooms, got %d", h.Table.RoomCount())
	}
}

func TestLeave_UserLeftOnlyForLastConnection(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "alice", "R1")
	b1 := h.connect(t, "bob", "R1")
	b2 := h.connect(t, "bob", "R1")

	if err := h.Leave(b1, "R1"); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	if got := h.rec.of(a, EventUserLeft); len(got) != 0 {
		t.Fatalf("expected no user_left while bob still has a connection, got %d", len(got))
	}
	if !h.IsMember("R1", "bob") {
		t.Fatal("bob should still be a member")
	}

	if err := h.Leave(b2, "R1"); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	left := h.rec.of(a, EventUserLeft)
	if len(left) != 1 || left[0].UserID != "bob" {
		t.Fatalf("expected one user_left for bob, got %+v", left)
	}
	if h.IsMember("R1", "bob") {
		t.Error("bob should no longer be a member")
	}

	// Leaving again is a no-op.
	if err := h.Leave(b2, "R1"); err != nil {
		t.Fatalf("repeated Leave() error: %v", err)
	}
	if got := h.rec.of(a, EventUserLeft); len(got) != 1 {
		t.Errorf("repeated leave should not emit events, got %d", len(got))
	}
}

func TestLeave_EmptyRoomIsDropped(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "alice", "R1", "R2")

	if h.Table.RoomCount() != 2 {
		t.Fatalf("expected 2 rooms, got %d", h.Table.RoomCount())
	}
	if err := h.Leave(a, "R1"); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	if h.Table.RoomCount() != 1 {
		t.Errorf("expected 1 room after leaving R1, got %d", h.Table.RoomCount())
	}
	if got := h.MembersOf("R1"); len(got) != 0 {
		t.Errorf("expected no members in dropped room, got %v", got)
	}

	// The room is recreated on the next join.
	if err := h.Join(a, "R1"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if got := h.MembersOf("R1"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("unexpected members after rejoin: %v", got)
	}
}

func TestUnregister_LeavesEveryRoom(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	a := h.connect(t, "alice", "R1", "R2")
	b := h.connect(t, "bob", "R1", "R2")

	h.Unregister(b)

	for _, roomID := range []string{"R1", "R2"} {
		if h.IsMember(roomID, "bob") {
			t.Errorf("bob still a member of %s", roomID)
		}
	}
	left := h.rec.of(a, EventUserLeft)
	if len(left) != 2 {
		t.Fatalf("expected user_left in both rooms, got %+v", left)
	}
	if h.Registry.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", h.Registry.Count())
	}
	if err := h.Join(b, "R1"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("join after unregister: expected ErrUnknownConnection, got %v", err)
	}

	// Unknown and repeated ids are ignored.
	h.Unregister(b)
	h.Unregister("missing")
}

func TestMembership_ConcurrentJoinLeave(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	observer := h.connect(t, "observer", "R1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			c, err := h.Register(user)
			if err != nil {
				t.Errorf("Register() error: %v", err)
				return
			}
			for j := 0; j < 10; j++ {
				_ = h.Join(c, "R1")
				_ = h.Leave(c, "R1")
			}
			_ = h.Join(c, "R1")
			h.Unregister(c)
		}(i)
	}
	wg.Wait()

	if got := h.MembersOf("R1"); !reflect.DeepEqual(got, []string{"observer"}) {
		t.Fatalf("expected only the observer to remain, got %v", got)
	}
	if got := h.Registry.Rooms(observer); !reflect.DeepEqual(got, []string{"R1"}) {
		t.Errorf("unexpected observer rooms: %v", got)
	}
	joins := len(h.rec.of(observer, EventUserJoined))
	leaves := len(h.rec.of(observer, EventUserLeft))
	if joins != leaves {
		t.Errorf("every join should be matched by a leave: joins=%d leaves=%d", joins, leaves)
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrUnauthenticated, CodeUnauthenticated},
		{ErrNotAMember, CodeNotAMember},
		{ErrEmptyContent, CodeEmptyContent},
		{ErrDeliveryFailed, CodeDeliveryFailed},
		{ValidateContent(strings.Repeat("x", 10), 5), CodeContentTooLong},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr error
	}{
		{"plain", "hello", nil},
		{"empty", "", ErrEmptyContent},
		{"whitespace", " \t\n ", ErrEmptyContent},
		{"invalid utf8", "\xff\xfe", ErrInvalidContent},
		{"at limit", strings.Repeat("a", MaxContentChars), nil},
		{"over limit", strings.Repeat("a", MaxContentChars+1), ErrContentTooLong},
		{"multibyte at limit", strings.Repeat("é", MaxContentChars), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content, MaxContentChars)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPublisher_SeesEveryBroadcast(t *testing.T) {
	var (
		mu    sync.Mutex
		kinds []string
	)
	pub := PublisherFunc(func(ev Event) error {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		return errors.New("bus offline")
	})
	h := NewHub(Config{}, nil, newRecorder(), pub)

	a, _ := h.Register("A")
	b, _ := h.Register("B")
	_ = h.Join(a, "R1")
	_ = h.Join(b, "R1")
	_ = h.Leave(b, "R1")

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventUserJoined, EventUserJoined, EventUserLeft}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
}

func TestEvents_CarryUsername(t *testing.T) {
	h := newTestHub(t, Config{TypingWindow: time.Minute}, nil)
	b := h.connect(t, "bob", "R1")
	a, err := h.RegisterNamed("alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Join(a, "R1"); err != nil {
		t.Fatal(err)
	}
	if info, _ := h.Registry.Lookup(a); info.Username != "Alice" {
		t.Errorf("registry lost the name: %+v", info)
	}
	if names := h.MemberNames("R1"); names["alice"] != "Alice" || len(names) != 1 {
		t.Errorf("unexpected member names %v", names)
	}

	if err := h.StartTyping(a, "R1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Send(context.Background(), a, "R1", "hi", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.Leave(a, "R1"); err != nil {
		t.Fatal(err)
	}

	for _, kind := range []string{EventUserJoined, EventTypingStart, EventTypingStop, EventReceiveMessage, EventUserLeft} {
		evs := h.rec.of(b, kind)
		if len(evs) != 1 || evs[0].Username != "Alice" {
			t.Errorf("%s: expected one event named Alice, got %+v", kind, evs)
		}
	}
	if names := h.MemberNames("R1"); len(names) != 0 {
		t.Errorf("name should be dropped on leave, got %v", names)
	}
}
