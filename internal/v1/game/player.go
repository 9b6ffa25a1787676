// Package game implements the arena core: rooms, authoritative movement,
// AOI delta fan-out, the quiz state machine, and the portal entry gate.
package game

import (
	"time"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// World bounds. Proposed states outside these clamp silently.
const (
	WorldMinXZ  = -512.0
	WorldMaxXZ  = 512.0
	WorldMinY   = 0.0
	WorldMaxY   = 128.0
	MaxYawRad   = 3.14159265358979
	MaxPitchRad = 1.55
)

// PlayerState is one accepted positional snapshot.
type PlayerState struct {
	X         float64
	Y         float64
	Z         float64
	Yaw       float64
	Pitch     float64
	UpdatedAt time.Time
}

// NetState tracks movement-validation bookkeeping per player.
type NetState struct {
	LastAcceptedAt   time.Time
	VelX             float64
	VelY             float64
	VelZ             float64
	RejectedMoves    int
	LastCorrectionAt time.Time
}

// deltaEntry is the last quantized snapshot sent to a receiver about one
// remote player, plus the tick it was sent on.
type deltaEntry struct {
	Name     string
	Alive    int
	P        [3]int
	R        [2]int
	LastTick uint64
}

// Player is a connection's presence inside exactly one room. The receiver's
// AOI delta cache lives here, so leaving the room drops it with the player.
type Player struct {
	ID         types.ClientIDType
	Name       string
	OwnerToken bool

	State PlayerState
	Net   NetState

	// Quiz attributes
	Score            int
	Alive            bool
	LastChoice       types.ChoiceType
	LastChoiceReason string

	// Admission attributes
	Admitted             bool
	QueuedForAdmission   bool
	Spectator            bool
	ChatMuted            bool
	PriorityForNextRound bool

	JoinedAt time.Time
	seq      uint64 // insertion order, drives host succession

	client     types.ClientInterface
	deltaCache map[types.ClientIDType]*deltaEntry
}

func newPlayer(client types.ClientInterface, seq uint64, now time.Time) *Player {
	return &Player{
		ID:         client.GetID(),
		Name:       client.GetName(),
		OwnerToken: client.HasOwnerToken(),
		State: PlayerState{
			Y:         spawnHeight,
			UpdatedAt: now,
		},
		Net:        NetState{LastAcceptedAt: now},
		Alive:      false,
		JoinedAt:   now,
		seq:        seq,
		client:     client,
		deltaCache: make(map[types.ClientIDType]*deltaEntry),
	}
}

const spawnHeight = 1.75

// Send enqueues an event on the player's normal outbound queue.
func (p *Player) Send(event types.EventType, data any) {
	if p.client != nil {
		p.client.Send(event, data)
	}
}

// SendPriority enqueues a state-changing event.
func (p *Player) SendPriority(event types.EventType, data any) {
	if p.client != nil {
		p.client.SendPriority(event, data)
	}
}

// Participating reports whether the player counts against the participant
// limit (admitted, not a spectator).
func (p *Player) Participating() bool {
	return p.Admitted && !p.Spectator
}

// sanitizeProposedState clamps a raw sync payload to world bounds, mapping
// non-finite values back to the previous accepted state.
func (p *Player) sanitizeProposedState(req protocol.PlayerSyncPayload, now time.Time) PlayerState {
	prev := p.State
	return PlayerState{
		X:         protocol.ClampFloat(req.X, WorldMinXZ, WorldMaxXZ, prev.X),
		Y:         protocol.ClampFloat(req.Y, WorldMinY, WorldMaxY, prev.Y),
		Z:         protocol.ClampFloat(req.Z, WorldMinXZ, WorldMaxXZ, prev.Z),
		Yaw:       protocol.ClampFloat(req.Yaw, -MaxYawRad, MaxYawRad, prev.Yaw),
		Pitch:     protocol.ClampFloat(req.Pitch, -MaxPitchRad, MaxPitchRad, prev.Pitch),
		UpdatedAt: now,
	}
}
