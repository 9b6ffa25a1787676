package game

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// quietRoom builds a room whose auto-start never fires, so roster tests see
// only their own events.
func quietRoom(sched *fakeScheduler, opts RoomOptions) *Room {
	if opts.MinPlayers == 0 {
		opts.MinPlayers = 99
	}
	return newTestRoom(sched, opts)
}

func TestAddPlayerAssignsHost(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	assert.Equal(t, types.ClientIDType("a"), room.HostID())
	assert.Equal(t, 2, room.PlayerCount())

	update := room.Serialize()
	assert.True(t, update.Players[0].IsHost)
	assert.False(t, update.Players[1].IsHost)
}

func TestRoomCapacity(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{MaxPlayers: 3, Capacity: 3})

	for i := range 3 {
		mustJoin(t, room, NewMockClient(fmt.Sprintf("p%d", i), "P"))
	}
	_, errStr := room.AddPlayer(NewMockClient("overflow", "P"))
	assert.Equal(t, types.ErrRoomFull, errStr)
	assert.Equal(t, 3, room.PlayerCount())
}

func TestHostSuccessionByInsertionOrder(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	c := NewMockClient("c", "Cara")
	mustJoin(t, room, a)
	mustJoin(t, room, b)
	mustJoin(t, room, c)

	b.Reset()
	c.Reset()
	room.RemovePlayer("a")

	assert.Equal(t, types.ClientIDType("b"), room.HostID())

	// Exactly one room:update reflects the change.
	updates := c.EventsOf(types.EventRoomUpdate)
	require.Len(t, updates, 1)
	update := updates[0].Data.(RoomUpdate)
	assert.Equal(t, types.ClientIDType("b"), update.HostID)
}

func TestChatFanOutAndHistory(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	errStr := room.HandleChat("a", protocol.ChatSendPayload{Text: "  hello arena  "})
	require.Empty(t, errStr)

	msg := b.LastEvent(types.EventChatMessage)
	require.NotNil(t, msg)
	chat := msg.Data.(protocol.ChatMessage)
	assert.Equal(t, "hello arena", chat.Text)
	assert.Equal(t, types.ClientIDType("a"), chat.Sender)

	// Late joiner receives history.
	c := NewMockClient("c", "Cara")
	mustJoin(t, room, c)
	hist := c.LastEvent(types.EventChatHistory)
	require.NotNil(t, hist)
	assert.Len(t, hist.Data.(protocol.ChatHistory).Messages, 1)
}

func TestChatRejections(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	assert.Equal(t, types.ErrEmptyMessage, room.HandleChat("b", protocol.ChatSendPayload{Text: "   "}))

	require.Empty(t, room.SetChatMuted("a", "b", true))
	muted := b.LastEvent(types.EventHostChatMuted)
	require.NotNil(t, muted)

	assert.Equal(t, types.ErrChatMuted, room.HandleChat("b", protocol.ChatSendPayload{Text: "hi"}))
	require.NotNil(t, b.LastEvent(types.EventChatBlocked))
	assert.Nil(t, a.LastEvent(types.EventChatMessage))

	require.Empty(t, room.SetChatMuted("a", "b", false))
	assert.Empty(t, room.HandleChat("b", protocol.ChatSendPayload{Text: "hi"}))
}

func TestChatHistoryBounded(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})
	a := NewMockClient("a", "Alice")
	mustJoin(t, room, a)

	for i := range maxChatHistory + 20 {
		require.Empty(t, room.HandleChat("a", protocol.ChatSendPayload{Text: fmt.Sprintf("m%d", i)}))
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	assert.Len(t, room.chatHistory, maxChatHistory)
	assert.Equal(t, "m20", room.chatHistory[0].Text)
}

func TestKickPlayer(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	assert.Equal(t, types.ErrHostOnly, room.KickPlayer("b", "a"))
	assert.Equal(t, types.ErrCannotTargetSelf, room.KickPlayer("a", "a"))
	assert.Equal(t, types.ErrPlayerNotFound, room.KickPlayer("a", "ghost"))
	assert.Equal(t, types.ErrTargetRequired, room.KickPlayer("a", ""))

	require.Empty(t, room.KickPlayer("a", "b"))
	assert.True(t, b.IsKicked())
	assert.True(t, b.IsDisconnected())
	require.NotNil(t, b.LastEvent(types.EventHostKicked))
}

func TestClaimHostRequiresOwnerToken(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	assert.Equal(t, types.ErrUnauthorized, room.ClaimHost("b"))
	assert.Equal(t, types.ClientIDType("a"), room.HostID())

	b.SetOwnerToken(true)
	// Owner flag is captured at join time; rejoin with the token.
	room.RemovePlayer("b")
	mustJoin(t, room, b)

	require.Empty(t, room.ClaimHost("b"))
	assert.Equal(t, types.ClientIDType("b"), room.HostID())
}

func TestSetPortalTarget(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})
	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	assert.Equal(t, types.ErrHostOnly, room.SetPortalTarget("b", "https://example.com"))
	assert.Equal(t, types.ErrInvalidPortalTarget, room.SetPortalTarget("a", "javascript:alert(1)"))
	assert.Equal(t, types.ErrInvalidPortalTarget, room.SetPortalTarget("a", ""))

	require.Empty(t, room.SetPortalTarget("a", "https://arena.example.com/next"))
	evt := b.LastEvent(types.EventPortalTargetUpdate)
	require.NotNil(t, evt)
}

func TestSetBillboardMedia(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})
	a := NewMockClient("a", "Alice")
	a.SetOwnerToken(true)
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	valid := protocol.BillboardSetPayload{
		Target: "board1",
		Media:  protocol.BillboardMedia{VisualType: "video", VisualURL: "https://cdn.example.com/clip.mp4"},
	}

	assert.Equal(t, types.ErrUnauthorized, room.SetBillboardMedia("b", valid))

	bad := valid
	bad.Target = "board9"
	assert.Equal(t, types.ErrInvalidBillboardTarget, room.SetBillboardMedia("a", bad))

	bad = valid
	bad.Media.VisualType = "hologram"
	assert.Equal(t, types.ErrInvalidBillboardMedia, room.SetBillboardMedia("a", bad))

	bad = valid
	bad.Media.VisualURL = "ftp://nope"
	assert.Equal(t, types.ErrInvalidBillboardMedia, room.SetBillboardMedia("a", bad))

	require.Empty(t, room.SetBillboardMedia("a", valid))
	evt := b.LastEvent(types.EventBillboardUpdate)
	require.NotNil(t, evt)
	assert.Equal(t, "video", room.Serialize().Billboard["board1"].VisualType)
}

func TestCloseRoomDisconnectsEveryone(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})
	a := NewMockClient("a", "Alice")
	b := NewMockClient("b", "Bob")
	mustJoin(t, room, a)
	mustJoin(t, room, b)

	room.Close("test")
	assert.True(t, a.IsDisconnected())
	assert.True(t, b.IsDisconnected())

	update := a.LastEvent(types.EventRoomUpdate)
	require.NotNil(t, update)
	assert.True(t, update.Data.(RoomUpdate).Closed)

	_, errStr := room.AddPlayer(NewMockClient("late", "L"))
	assert.Equal(t, types.ErrRoomNotFound, errStr)
}
