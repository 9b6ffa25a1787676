package game

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

func TestGateAdmissionOverflow(t *testing.T) {
	sched := newFakeScheduler()
	// Small numbers keep the test readable: 5 participants in a room of 20.
	room := quietRoom(sched, RoomOptions{MaxPlayers: 5, Capacity: 20})

	host := NewMockClient("host", "Host")
	mustJoin(t, room, host)

	require.Empty(t, room.OpenLobby("host"))

	// Eight arrivals queue while the portal is open.
	var arrivals []*MockClient
	for i := range 8 {
		c := NewMockClient(fmt.Sprintf("p%d", i), "P")
		mustJoin(t, room, c)
		arrivals = append(arrivals, c)
	}
	snap := room.Serialize().Gate
	assert.Equal(t, 8, snap.WaitingPlayers)

	require.Empty(t, room.StartAdmission("host"))
	assert.True(t, room.Serialize().Gate.AdmissionInProgress)

	sched.Advance(admissionCountdown)

	admitted := host.LastEvent(types.EventPortalLobbyAdmitted)
	require.NotNil(t, admitted)
	data := admitted.Data.(map[string]any)
	// Host already holds one of the 5 slots: 4 admitted, 4 demoted.
	assert.Equal(t, 4, data["admittedCount"])
	assert.Equal(t, 4, data["spectatorCount"])
	assert.Equal(t, 4, data["priorityPlayers"])
	assert.Equal(t, 5, data["participantLimit"])

	snap = room.Serialize().Gate
	assert.False(t, snap.PortalOpen)
	assert.False(t, snap.AdmissionInProgress)
	assert.LessOrEqual(t, snap.AdmittedPlayers, 5)

	// Overflow carries next-round priority.
	room.mu.RLock()
	priority := 0
	for _, p := range room.players {
		if p.PriorityForNextRound {
			assert.True(t, p.Spectator)
			priority++
		}
	}
	room.mu.RUnlock()
	assert.Equal(t, 4, priority)
	_ = arrivals
}

func TestGatePriorityAdmittedFirstNextRound(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{MaxPlayers: 2, Capacity: 20})

	host := NewMockClient("host", "Host")
	mustJoin(t, room, host)

	require.Empty(t, room.OpenLobby("host"))
	first := NewMockClient("first", "First")
	second := NewMockClient("second", "Second")
	mustJoin(t, room, first)
	mustJoin(t, room, second)

	require.Empty(t, room.StartAdmission("host"))
	sched.Advance(admissionCountdown)

	// One slot beside the host: "first" got in, "second" was demoted.
	room.mu.RLock()
	assert.True(t, room.players["first"].Participating())
	assert.True(t, room.players["second"].Spectator)
	assert.True(t, room.players["second"].PriorityForNextRound)
	room.mu.RUnlock()

	// Free the slot and reopen: the priority spectator re-queues ahead of a
	// fresh arrival and wins the admission.
	room.RemovePlayer("first")
	require.Empty(t, room.OpenLobby("host"))
	fresh := NewMockClient("fresh", "Fresh")
	mustJoin(t, room, fresh)

	require.Empty(t, room.StartAdmission("host"))
	sched.Advance(admissionCountdown)

	room.mu.RLock()
	defer room.mu.RUnlock()
	assert.True(t, room.players["second"].Participating())
	assert.False(t, room.players["second"].PriorityForNextRound)
	assert.True(t, room.players["fresh"].Spectator)
}

func TestGateErrors(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	host := NewMockClient("host", "Host")
	other := NewMockClient("other", "Other")
	mustJoin(t, room, host)
	mustJoin(t, room, other)

	assert.Equal(t, types.ErrHostOnly, room.OpenLobby("other"))
	assert.Equal(t, types.ErrLobbyNotOpen, room.StartAdmission("host"))

	require.Empty(t, room.OpenLobby("host"))
	assert.Equal(t, types.ErrLobbyAlreadyOpen, room.OpenLobby("host"))
	assert.Equal(t, types.ErrNoWaitingPlayers, room.StartAdmission("host"))

	queued := NewMockClient("queued", "Q")
	mustJoin(t, room, queued)
	require.Empty(t, room.StartAdmission("host"))
	assert.Equal(t, types.ErrAdmissionInProgress, room.StartAdmission("host"))

	// The quiz refuses to start while an admission countdown runs.
	assert.Equal(t, types.ErrPlayersWaiting, room.StartQuiz("host"))

	sched.Advance(admissionCountdown)
	room.mu.RLock()
	defer room.mu.RUnlock()
	assert.True(t, room.players["queued"].Participating())
}

func TestGateQueuedArrivalIsNotParticipating(t *testing.T) {
	sched := newFakeScheduler()
	room := quietRoom(sched, RoomOptions{})

	host := NewMockClient("host", "Host")
	mustJoin(t, room, host)
	require.Empty(t, room.OpenLobby("host"))

	queued := NewMockClient("queued", "Q")
	mustJoin(t, room, queued)

	room.mu.RLock()
	defer room.mu.RUnlock()
	p := room.players["queued"]
	assert.True(t, p.QueuedForAdmission)
	assert.False(t, p.Admitted)
	assert.False(t, p.Participating())
}
