package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/adwski/chathub/backend/model"
	"github.com/adwski/chathub/backend/storage/memory"
	sw "github.com/adwski/chathub/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testHub struct {
	t     *testing.T
	svc   *Service
	rooms *memory.Rooms
	wires map[string]model.Wire
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	logger := zerolog.Nop()
	rooms := memory.NewRooms()
	svc := NewService(Config{
		Registry: memory.NewRegistry(),
		Rooms:    rooms,
		Typing:   memory.NewTyping(),
		History:  memory.NewHistory(memory.DefaultHistorySize),
		Switch:   sw.NewSwitch(&logger),
		Logger:   &logger,
		Clock:    func() time.Time { return testTime },
	})
	return &testHub{t: t, svc: svc, rooms: rooms, wires: make(map[string]model.Wire)}
}

func (h *testHub) connect(id string) {
	h.t.Helper()
	wire := model.NewWire(4096)
	require.NoError(h.t, h.svc.Connect(id, wire))
	h.wires[id] = wire
}

func (h *testHub) do(id string, ev model.Event) error {
	return h.svc.Dispatch(context.Background(), id, ev)
}

// events drains everything queued for connection.
func (h *testHub) events(id string) []model.Outbound {
	var out []model.Outbound
	for {
		select {
		case ev := <-h.wires[id].TX:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *testHub) drainAll() {
	for id := range h.wires {
		h.events(id)
	}
}

func (h *testHub) members(room string) []string {
	members, err := h.rooms.Members(room)
	require.NoError(h.t, err)
	return members
}

func ofType(evs []model.Outbound, typ string) []model.Outbound {
	var out []model.Outbound
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// roomsOf returns every room whose membership contains id.
func (h *testHub) roomsOf(id string) []string {
	var in []string
	for _, name := range h.rooms.Names() {
		for _, m := range h.members(name) {
			if m == id {
				in = append(in, name)
			}
		}
	}
	return in
}

func TestConnectTwice(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	err := h.svc.Connect("c1", model.NewWire(1))
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, memory.ErrAlreadyRegistered)
}

func TestScenarioRoomLifecycle(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	h.connect("c2")
	require.NoError(t, h.do("c2", model.Join{Username: "bob"}))

	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	conn, _ := h.svc.registry.Lookup("c1")
	assert.Equal(t, model.DefaultRoom, conn.Room)

	evs := h.events("c2")
	require.Len(t, ofType(evs, model.EventUserJoined), 2)
	assert.Equal(t, model.Presence{Username: "alice", ID: "c1"}, ofType(evs, model.EventUserJoined)[1].Payload)

	require.NoError(t, h.do("c1", model.CreateRoom{Name: "dev"}))
	assert.Equal(t, []string{"General", "dev"}, h.svc.Rooms())
	roomList := ofType(h.events("c2"), model.EventRoomList)
	require.Len(t, roomList, 1)
	assert.Equal(t, []string{"General", "dev"}, roomList[0].Payload)

	require.NoError(t, h.do("c1", model.JoinRoom{Name: "dev"}))
	conn, _ = h.svc.registry.Lookup("c1")
	assert.Equal(t, "dev", conn.Room)
	assert.NotContains(t, h.members(model.DefaultRoom), "c1")
	assert.Equal(t, []string{"c1"}, h.members("dev"))

	sys := ofType(h.events("c1"), model.EventSystemMessage)
	require.Len(t, sys, 1)
	assert.Equal(t, "alice joined dev", sys[0].Payload)
	assert.Empty(t, ofType(h.events("c2"), model.EventSystemMessage), "General does not see dev notices")

	require.NoError(t, h.do("c1", model.SendMessage{Body: "hi"}))
	c1 := h.events("c1")
	require.Len(t, ofType(c1, model.EventReceiveMessage), 1)
	require.Len(t, ofType(c1, model.EventNotifyMessage), 1)
	msg := ofType(c1, model.EventReceiveMessage)[0].Payload.(model.Message)
	require.NotNil(t, msg.Room)
	assert.Equal(t, "dev", *msg.Room)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "c1", msg.SenderID)
	assert.Equal(t, msg, ofType(c1, model.EventNotifyMessage)[0].Payload)
	assert.Empty(t, ofType(h.events("c2"), model.EventReceiveMessage))

	require.NoError(t, h.do("c1", model.Disconnect{}))
	for _, u := range h.svc.Users() {
		assert.NotEqual(t, "c1", u.ID)
	}
	assert.Empty(t, h.members("dev"))
	assert.Contains(t, h.svc.Rooms(), "dev")

	c2 := h.events("c2")
	left := ofType(c2, model.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, model.Presence{Username: "alice", ID: "c1"}, left[0].Payload)
	users := ofType(c2, model.EventUserList)
	require.Len(t, users, 1)
	assert.Equal(t, []model.Connection{{ID: "c2", Username: "bob", Room: model.DefaultRoom}}, users[0].Payload)
	assert.Len(t, ofType(c2, model.EventTypingUsers), 1)
	assert.Len(t, ofType(c2, model.EventRoomList), 1)
}

func TestExactlyOneRoom(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, h.do("c1", model.CreateRoom{Name: name}))
	}

	names := []string{"General", "a", "b", "c", "missing", ""}
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		name := names[rnd.Intn(len(names))]
		switch rnd.Intn(3) {
		case 0:
			_ = h.do("c1", model.JoinRoom{Name: name})
		case 1:
			_ = h.do("c1", model.LeaveRoom{Name: name})
		case 2:
			_ = h.do("c1", model.Join{Username: "alice"})
		}
		conn, _ := h.svc.registry.Lookup("c1")
		require.Equal(t, []string{conn.Room}, h.roomsOf("c1"), "step %d", i)
		require.Contains(t, h.svc.Rooms(), model.DefaultRoom)
	}
}

func TestJoinRoomFailures(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")

	assert.ErrorIs(t, h.do("c1", model.JoinRoom{Name: "General"}), ErrNotJoined)
	assert.ErrorIs(t, h.do("c1", model.LeaveRoom{Name: "General"}), ErrNotJoined)
	assert.ErrorIs(t, h.do("c1", model.Typing{IsTyping: true}), ErrNotJoined)

	require.NoError(t, h.do("c1", model.Join{}))
	conn, _ := h.svc.registry.Lookup("c1")
	assert.Equal(t, model.AnonymousName, conn.Username)
	h.drainAll()

	assert.ErrorIs(t, h.do("c1", model.JoinRoom{Name: "nowhere"}), ErrRoomNotFound)
	assert.Empty(t, h.events("c1"), "missing room is dropped silently")
	conn, _ = h.svc.registry.Lookup("c1")
	assert.Equal(t, model.DefaultRoom, conn.Room)

	require.NoError(t, h.do("c1", model.CreateRoom{Name: "dev"}))
	h.drainAll()
	assert.ErrorIs(t, h.do("c1", model.LeaveRoom{Name: "dev"}), ErrNotMember)
	assert.ErrorIs(t, h.do("c1", model.LeaveRoom{Name: "nowhere"}), ErrRoomNotFound)
	assert.Empty(t, h.events("c1"))

	assert.ErrorIs(t, h.do("c1", model.CreateRoom{}), ErrEmptyRoomName)
	require.NoError(t, h.do("c1", model.CreateRoom{Name: "dev"}))
	assert.Empty(t, h.events("c1"), "duplicate create is a no-op")

	assert.ErrorIs(t, h.do("ghost", model.SendMessage{Body: "x"}), ErrNotRegistered)
}

func TestLeaveRoomRejoinsGeneral(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	h.connect("c2")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	require.NoError(t, h.do("c2", model.Join{Username: "bob"}))
	require.NoError(t, h.do("c1", model.CreateRoom{Name: "dev"}))
	require.NoError(t, h.do("c1", model.JoinRoom{Name: "dev"}))
	require.NoError(t, h.do("c2", model.JoinRoom{Name: "dev"}))
	h.drainAll()

	require.NoError(t, h.do("c1", model.LeaveRoom{Name: "dev"}))
	conn, _ := h.svc.registry.Lookup("c1")
	assert.Equal(t, model.DefaultRoom, conn.Room)
	assert.Equal(t, []string{"c2"}, h.members("dev"))
	assert.Equal(t, []string{"c1"}, h.members(model.DefaultRoom))

	sys := ofType(h.events("c2"), model.EventSystemMessage)
	require.Len(t, sys, 1)
	assert.Equal(t, "alice left dev", sys[0].Payload)
	c1 := h.events("c1")
	assert.Empty(t, ofType(c1, model.EventSystemMessage), "leaver is not told")
	assert.Len(t, ofType(c1, model.EventUserList), 1)
	assert.Len(t, ofType(c1, model.EventRoomList), 1)
}

func TestRejoinResetsRoom(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	require.NoError(t, h.do("c1", model.CreateRoom{Name: "dev"}))
	require.NoError(t, h.do("c1", model.JoinRoom{Name: "dev"}))

	require.NoError(t, h.do("c1", model.Join{Username: "alicia"}))
	assert.Equal(t, []string{model.DefaultRoom}, h.roomsOf("c1"))
	assert.Equal(t, []model.Connection{{ID: "c1", Username: "alicia", Room: model.DefaultRoom}}, h.svc.Users())
}

func TestSendFromUnjoined(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	h.connect("c2")
	require.NoError(t, h.do("c2", model.Join{Username: "bob"}))
	h.drainAll()

	require.NoError(t, h.do("c1", model.SendMessage{Body: "who am i"}))
	recv := ofType(h.events("c2"), model.EventReceiveMessage)
	require.Len(t, recv, 1)
	msg := recv[0].Payload.(model.Message)
	assert.Equal(t, model.AnonymousName, msg.Sender)
	assert.Equal(t, model.DefaultRoom, *msg.Room)
	assert.Empty(t, h.events("c1"), "unjoined sender is not a room member")
}

func TestHistoryBound(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	require.NoError(t, h.do("c1", model.CreateRoom{Name: "dev"}))

	for i := 1; i <= 101; i++ {
		if i == 50 {
			require.NoError(t, h.do("c1", model.JoinRoom{Name: "dev"}))
		}
		require.NoError(t, h.do("c1", model.SendMessage{Body: fmt.Sprintf("m%d", i)}))
	}
	require.NoError(t, h.do("c1", model.PrivateMessage{To: "c1", Body: "note to self"}))

	hist := h.svc.History()
	require.Len(t, hist, 100)
	assert.Equal(t, "m2", hist[0].Body)
	assert.Equal(t, "m101", hist[99].Body)
	assert.Equal(t, "General", *hist[0].Room)
	assert.Equal(t, "dev", *hist[99].Room, "history is global across rooms")
	for i := 1; i < len(hist); i++ {
		assert.Less(t, hist[i-1].ID, hist[i].ID)
	}
}

func TestPrivateMessage(t *testing.T) {
	h := newTestHub(t)
	h.connect("a")
	h.connect("b")
	h.connect("c")
	require.NoError(t, h.do("a", model.Join{Username: "alice"}))
	require.NoError(t, h.do("b", model.Join{Username: "bob"}))
	h.drainAll()

	require.NoError(t, h.do("a", model.PrivateMessage{To: "b", Body: "psst"}))

	b := h.events("b")
	require.Len(t, b, 2)
	assert.Equal(t, model.EventPrivateMessage, b[0].Type)
	assert.Equal(t, model.EventNotifyPrivate, b[1].Type)
	a := h.events("a")
	require.Len(t, a, 1)
	assert.Equal(t, model.EventPrivateMessage, a[0].Type)
	assert.Empty(t, h.events("c"))

	delivered := b[0].Payload.(model.Message)
	echo := a[0].Payload.(model.Message)
	assert.Equal(t, delivered.Body, echo.Body)
	assert.Equal(t, delivered.Timestamp, echo.Timestamp)
	assert.True(t, delivered.IsPrivate)
	assert.Nil(t, delivered.Room)
	assert.Equal(t, "alice", delivered.Sender)
	assert.Empty(t, h.svc.History(), "private messages stay out of history")

	require.NoError(t, h.do("b", model.Disconnect{}))
	h.drainAll()
	assert.ErrorIs(t, h.do("a", model.PrivateMessage{To: "b", Body: "hello?"}), ErrUnknownRecipient)
	assert.ErrorIs(t, h.do("a", model.PrivateMessage{To: "nobody", Body: "hello?"}), ErrUnknownRecipient)
	assert.Empty(t, h.events("a"))
	assert.Empty(t, h.events("c"))
}

func TestTyping(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	h.connect("c2")
	h.connect("c3")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	require.NoError(t, h.do("c2", model.Join{Username: "bob"}))
	require.NoError(t, h.do("c3", model.Join{Username: "carol"}))
	require.NoError(t, h.do("c3", model.CreateRoom{Name: "dev"}))
	require.NoError(t, h.do("c3", model.JoinRoom{Name: "dev"}))
	h.drainAll()

	require.NoError(t, h.do("c1", model.Typing{IsTyping: true}))
	require.NoError(t, h.do("c2", model.Typing{IsTyping: true}))
	c2 := ofType(h.events("c2"), model.EventTypingUsers)
	require.Len(t, c2, 2)
	assert.Equal(t, []string{"alice", "bob"}, c2[1].Payload)
	assert.Empty(t, h.events("c3"), "other rooms do not see typing")

	// flag stays with General after switching rooms
	require.NoError(t, h.do("c1", model.JoinRoom{Name: "dev"}))
	h.drainAll()
	require.NoError(t, h.do("c2", model.Typing{IsTyping: false}))
	c2 = ofType(h.events("c2"), model.EventTypingUsers)
	require.Len(t, c2, 1)
	assert.Equal(t, []string{"alice"}, c2[0].Payload)

	// clearing from another room leaves the stale flag in General
	require.NoError(t, h.do("c1", model.Typing{IsTyping: false}))
	assert.Empty(t, ofType(h.events("c2"), model.EventTypingUsers))
	require.NoError(t, h.do("c2", model.Typing{IsTyping: false}))
	c2 = ofType(h.events("c2"), model.EventTypingUsers)
	require.Len(t, c2, 1)
	assert.Equal(t, []string{"alice"}, c2[0].Payload)
	h.drainAll()

	require.NoError(t, h.do("c1", model.Disconnect{}))
	c2 = ofType(h.events("c2"), model.EventTypingUsers)
	require.Len(t, c2, 1)
	assert.Equal(t, []string{}, c2[0].Payload)
	c3 := ofType(h.events("c3"), model.EventTypingUsers)
	require.Len(t, c3, 1)
	assert.Equal(t, []string{}, c3[0].Payload)
}

func TestStalledReaderDoesNotBlockHub(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	h.connect("c2")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))

	var evicted int
	stuck := model.NewWire(1)
	stuck.Evict = func() { evicted++ }
	require.NoError(t, h.svc.Connect("stuck", stuck))
	require.NoError(t, h.do("stuck", model.Join{Username: "mallory"}))

	start := time.Now()
	require.NoError(t, h.do("c1", model.SendMessage{Body: "hi"}))
	require.NoError(t, h.do("c2", model.CreateRoom{Name: "dev"}))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, evicted, "overflowing endpoint is evicted once")
	assert.Len(t, ofType(h.events("c1"), model.EventReceiveMessage), 1)

	// transport reacts to eviction by tearing the session down
	require.NoError(t, h.svc.DeleteChatSession(context.Background(), "stuck"))
	assert.Empty(t, h.roomsOf("stuck"))
	for _, u := range h.svc.Users() {
		assert.NotEqual(t, "stuck", u.ID)
	}
	left := ofType(h.events("c1"), model.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, model.Presence{Username: "mallory", ID: "stuck"}, left[0].Payload)
}

func TestEventsAfterDisconnectDropped(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	require.NoError(t, h.do("c1", model.Join{Username: "alice"}))
	require.NoError(t, h.svc.DeleteChatSession(context.Background(), "c1"))

	assert.ErrorIs(t, h.do("c1", model.SendMessage{Body: "late"}), ErrNotRegistered)
	assert.ErrorIs(t, h.do("c1", model.Disconnect{}), ErrNotRegistered)
	assert.Empty(t, h.svc.History())
	assert.Empty(t, h.roomsOf("c1"))
}

func TestHandleRawFrames(t *testing.T) {
	h := newTestHub(t)
	h.connect("c1")
	ctx := context.Background()

	require.NoError(t, h.svc.Handle(ctx, "c1", model.Inbound{Type: model.EventUserJoin, Payload: json.RawMessage(`"alice"`)}))
	require.NoError(t, h.svc.Handle(ctx, "c1", model.Inbound{
		Type:    model.EventSendMessage,
		Payload: json.RawMessage(`{"message":"legacy body"}`),
	}))
	assert.Equal(t, "legacy body", h.svc.History()[0].Body)

	assert.ErrorIs(t, h.svc.Handle(ctx, "c1", model.Inbound{Type: "disconnect"}), model.ErrUnknownEvent)
	assert.ErrorIs(t, h.svc.Handle(ctx, "c1", model.Inbound{Type: model.EventTyping, Payload: json.RawMessage(`{}`)}),
		model.ErrMalformedPayload)
	_, ok := h.svc.registry.Lookup("c1")
	assert.True(t, ok, "bad frames do not tear down the connection")
}

func TestChatSessionConsumesWire(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wire := model.NewWire(64)
	require.NoError(t, h.svc.CreateChatSession(ctx, "c1", wire))
	wire.RX <- model.Inbound{Type: model.EventJoin, Payload: json.RawMessage(`"alice"`)}

	require.Eventually(t, func() bool {
		return len(h.svc.Users()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", h.svc.Users()[0].Username)

	require.NoError(t, h.svc.DeleteChatSession(ctx, "c1"))
	assert.Empty(t, h.svc.Users())
}

func TestConcurrentClients(t *testing.T) {
	h := newTestHub(t)
	const clients = 10
	ids := make([]string, clients)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
		h.connect(ids[i])
	}
	require.NoError(t, h.do(ids[0], model.CreateRoom{Name: "dev"}))

	var g errgroup.Group
	for i, id := range ids {
		id, seed := id, int64(i)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			_ = h.do(id, model.Join{Username: id})
			for n := 0; n < 20; n++ {
				switch rnd.Intn(4) {
				case 0:
					_ = h.do(id, model.JoinRoom{Name: "dev"})
				case 1:
					_ = h.do(id, model.LeaveRoom{Name: "dev"})
				case 2:
					_ = h.do(id, model.SendMessage{Body: "x"})
				case 3:
					_ = h.do(id, model.Typing{IsTyping: rnd.Intn(2) == 0})
				}
			}
			if seed%2 == 0 {
				return h.do(id, model.Disconnect{})
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, h.svc.Users(), clients/2)
	for i, id := range ids {
		if i%2 == 0 {
			assert.Empty(t, h.roomsOf(id))
			continue
		}
		conn, ok := h.svc.registry.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, []string{conn.Room}, h.roomsOf(id))
	}
	assert.LessOrEqual(t, len(h.svc.History()), memory.DefaultHistorySize)
}
