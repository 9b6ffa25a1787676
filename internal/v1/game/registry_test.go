package game

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// waitForCleanup blocks until the registry registered the empty-room grace
// timer; room emptiness is reported to the registry asynchronously.
func waitForCleanup(t *testing.T, reg *Registry, code types.RoomCodeType) {
	t.Helper()
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		_, ok := reg.cleanups[code]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func newTestRegistry(sched *fakeScheduler, opts Options) *Registry {
	opts.Now = sched.Now
	opts.AfterFunc = sched.AfterFunc
	if opts.QuizMinPlayers == 0 {
		opts.QuizMinPlayers = 99 // keep auto-start out of registry tests
	}
	return NewRegistry(opts)
}

func TestQuickJoinCreatesRoom(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	c := NewMockClient("c1", "")
	reg.HandleConnect(c)

	update, errStr := reg.QuickJoin(c, "  Neo  Anderson  ", "", "")
	require.Empty(t, errStr)
	assert.Equal(t, "Neo_Anderson", c.GetName())
	assert.Regexp(t, regexp.MustCompile(`^OX-[A-Z2-9]{5}$`), string(update.Code))
	assert.Equal(t, types.ClientIDType("c1"), update.HostID)
}

func TestQuickJoinPrefersRequestedCode(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	a := NewMockClient("a", "A")
	update, errStr := reg.QuickJoin(a, "", "my-room", "")
	require.Empty(t, errStr)
	assert.Equal(t, types.RoomCodeType("MY-ROOM"), update.Code)

	b := NewMockClient("b", "B")
	update, errStr = reg.QuickJoin(b, "", "my-room", "")
	require.Empty(t, errStr)
	assert.Equal(t, types.RoomCodeType("MY-ROOM"), update.Code)
	assert.Len(t, update.Players, 2)
}

func TestQuickJoinOwnerKey(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{OwnerKey: "super-secret-owner-key"})

	a := NewMockClient("a", "A")
	_, errStr := reg.QuickJoin(a, "", "", "wrong")
	require.Empty(t, errStr)
	assert.False(t, a.HasOwnerToken())

	b := NewMockClient("b", "B")
	_, errStr = reg.QuickJoin(b, "", "", "super-secret-owner-key")
	require.Empty(t, errStr)
	assert.True(t, b.HasOwnerToken())
}

func TestCreateRoomConflicts(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	a := NewMockClient("a", "A")
	_, errStr := reg.CreateRoom(a, "", "ARENA1")
	require.Empty(t, errStr)

	b := NewMockClient("b", "B")
	_, errStr = reg.CreateRoom(b, "", "arena1")
	assert.Equal(t, types.ErrRoomAlreadyExists, errStr)

	_, errStr = reg.CreateRoom(b, "", "bad code!")
	assert.Equal(t, types.ErrRoomCodeRequired, errStr)
}

func TestCreateRoomLimit(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{MaxActiveRooms: 2})

	for i, code := range []string{"R1", "R2"} {
		c := NewMockClient("c"+code, "C")
		_, errStr := reg.CreateRoom(c, "", code)
		require.Empty(t, errStr, "room %d", i)
	}
	c := NewMockClient("c3", "C")
	_, errStr := reg.CreateRoom(c, "", "R3")
	assert.Equal(t, types.ErrRoomLimitReached, errStr)
}

func TestJoinRoomErrors(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	c := NewMockClient("c", "C")
	_, errStr := reg.JoinRoom(c, "", "")
	assert.Equal(t, types.ErrRoomCodeRequired, errStr)

	_, errStr = reg.JoinRoom(c, "", "NOPE1")
	assert.Equal(t, types.ErrRoomNotFound, errStr)
}

func TestLeaveRoomReturnsToLobby(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	a := NewMockClient("a", "A")
	reg.HandleConnect(a)
	_, errStr := reg.QuickJoin(a, "", "ROOM1", "")
	require.Empty(t, errStr)
	require.NotNil(t, reg.RoomFor("a"))

	require.Empty(t, reg.LeaveRoom(a))
	assert.Nil(t, reg.RoomFor("a"))
	assert.Equal(t, types.ErrRoomNotFound, reg.LeaveRoom(a))
}

func TestEmptyRoomCleanupAfterGrace(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{GracePeriod: 5 * time.Second})

	a := NewMockClient("a", "A")
	_, errStr := reg.QuickJoin(a, "", "DOOMED", "")
	require.Empty(t, errStr)
	reg.LeaveRoom(a)
	waitForCleanup(t, reg, "DOOMED")

	// Still listed inside the grace window.
	assert.Len(t, reg.ListRooms(), 1)

	sched.Advance(5 * time.Second)
	assert.Empty(t, reg.ListRooms())
}

func TestEmptyRoomCleanupCancelledByRejoin(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{GracePeriod: 5 * time.Second})

	a := NewMockClient("a", "A")
	_, errStr := reg.QuickJoin(a, "", "STAYS", "")
	require.Empty(t, errStr)
	reg.LeaveRoom(a)
	waitForCleanup(t, reg, "STAYS")

	sched.Advance(2 * time.Second)
	b := NewMockClient("b", "B")
	_, errStr = reg.QuickJoin(b, "", "STAYS", "")
	require.Empty(t, errStr)

	sched.Advance(10 * time.Second)
	assert.Len(t, reg.ListRooms(), 1)
}

func TestPersistentRoomSurvivesEmptying(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{GracePeriod: 5 * time.Second})

	require.NoError(t, reg.EnsurePersistentRoom("lobby"))
	require.NoError(t, reg.EnsurePersistentRoom("lobby"), "idempotent for existing rooms")
	require.Error(t, reg.EnsurePersistentRoom("bad code!"))

	a := NewMockClient("a", "A")
	update, errStr := reg.QuickJoin(a, "", "LOBBY", "")
	require.Empty(t, errStr)
	assert.True(t, update.Persistent)

	reg.LeaveRoom(a)
	sched.Advance(time.Minute)
	assert.Len(t, reg.ListRooms(), 1, "persistent rooms survive the grace period")
}

func TestSiblingRoomsMergedIntoList(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	a := NewMockClient("a", "A")
	_, errStr := reg.QuickJoin(a, "", "LOCAL", "")
	require.Empty(t, errStr)

	reg.SetSiblingRooms("worker:3102", []Summary{{Code: "OX-REMOTE", Players: 7, Capacity: 120}})
	list := reg.ListRooms()
	require.Len(t, list, 2)

	// Stale presence expires.
	sched.Advance(siblingTTL + time.Second)
	assert.Len(t, reg.ListRooms(), 1)

	// LocalRooms never includes siblings.
	assert.Len(t, reg.LocalRooms(), 1)
}

func TestDispatchAckShapes(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	c := NewMockClient("c", "C")
	reg.HandleConnect(c)

	env := func(event types.EventType, payload any) protocol.Envelope {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		return protocol.Envelope{Event: event, Data: raw, Ack: 1}
	}

	reply := reg.HandleEvent(c, env(types.EventRoomJoin, protocol.JoinRoomPayload{Code: "NOPE1"}))
	require.NotNil(t, reply)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, types.ErrRoomNotFound, reply["error"])

	reply = reg.HandleEvent(c, env(types.EventRoomQuickJoin, protocol.QuickJoinPayload{RoomCode: "ROOM1"}))
	require.NotNil(t, reply)
	assert.Equal(t, true, reply["ok"])
	require.IsType(t, RoomUpdate{}, reply["room"])

	// Host-only op from the host succeeds end to end.
	reply = reg.HandleEvent(c, env(types.EventPortalLobbyOpen, nil))
	assert.Equal(t, true, reply["ok"])

	// player:sync never acks.
	reply = reg.HandleEvent(c, env(types.EventPlayerSync, protocol.PlayerSyncPayload{X: 1}))
	assert.Nil(t, reply)

	// Chat while roomless after leaving.
	require.Empty(t, reg.LeaveRoom(c))
	reply = reg.HandleEvent(c, env(types.EventChatSend, protocol.ChatSendPayload{Text: "hi"}))
	assert.Equal(t, types.ErrRoomNotFound, reply["error"])
}

func TestRegistrySnapshotStats(t *testing.T) {
	sched := newFakeScheduler()
	reg := newTestRegistry(sched, Options{})

	for _, id := range []string{"a", "b", "c"} {
		c := NewMockClient(id, "P")
		_, errStr := reg.QuickJoin(c, "", "BUSY1", "")
		require.Empty(t, errStr)
	}
	d := NewMockClient("d", "P")
	_, errStr := reg.QuickJoin(d, "", "CALM1", "")
	require.Empty(t, errStr)

	stats := reg.Snapshot()
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 4, stats.TotalPlayers)
	require.NotNil(t, stats.TopRoom)
	assert.Equal(t, types.RoomCodeType("BUSY1"), stats.TopRoom.Code)
	assert.Equal(t, 3, stats.TopRoom.Players)
}
