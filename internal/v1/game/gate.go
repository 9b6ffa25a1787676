package game

import (
	"log/slog"
	"sort"
	"time"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Admission countdown between portal:lobby-start and the flip to admitted.
const admissionCountdown = 3 * time.Second

// EntryGate caps simultaneous participants and queues overflow as
// spectators with next-round priority. Guarded by the room lock.
type EntryGate struct {
	PortalOpen          bool
	AdmissionInProgress bool
	AdmissionStartsAt   time.Time
	ParticipantLimit    int
	OpenedAt            time.Time
	LastAdmissionAt     time.Time

	pending        []types.ClientIDType
	admissionTimer *time.Timer
}

func newEntryGate(participantLimit int) EntryGate {
	return EntryGate{ParticipantLimit: participantLimit}
}

func (g *EntryGate) cancelTimerLocked() {
	if g.admissionTimer != nil {
		g.admissionTimer.Stop()
		g.admissionTimer = nil
	}
	g.AdmissionInProgress = false
	g.pending = nil
}

// GateSnapshot is the entryGate block inside room:update.
type GateSnapshot struct {
	PortalOpen          bool  `json:"portalOpen"`
	AdmissionInProgress bool  `json:"admissionInProgress"`
	AdmissionStartsAt   int64 `json:"admissionStartsAt,omitempty"`
	ParticipantLimit    int   `json:"participantLimit"`
	RoomCapacity        int   `json:"roomCapacity"`
	WaitingPlayers      int   `json:"waitingPlayers"`
	AdmittedPlayers     int   `json:"admittedPlayers"`
	SpectatorPlayers    int   `json:"spectatorPlayers"`
	PriorityPlayers     int   `json:"priorityPlayers"`
}

func (g *EntryGate) snapshotLocked(r *Room) GateSnapshot {
	snap := GateSnapshot{
		PortalOpen:          g.PortalOpen,
		AdmissionInProgress: g.AdmissionInProgress,
		ParticipantLimit:    g.ParticipantLimit,
		RoomCapacity:        r.capacity,
	}
	if !g.AdmissionStartsAt.IsZero() && g.AdmissionInProgress {
		snap.AdmissionStartsAt = g.AdmissionStartsAt.UnixMilli()
	}
	for _, p := range r.players {
		switch {
		case p.QueuedForAdmission:
			snap.WaitingPlayers++
		case p.Participating():
			snap.AdmittedPlayers++
		case p.Spectator:
			snap.SpectatorPlayers++
		}
		if p.PriorityForNextRound {
			snap.PriorityPlayers++
		}
	}
	return snap
}

// handleArrivalLocked classifies a joining player against the gate.
func (g *EntryGate) handleArrivalLocked(r *Room, p *Player) {
	switch {
	case g.PortalOpen:
		p.QueuedForAdmission = true
		p.Admitted = false
	case r.quiz.Active:
		// Mid-round arrivals spectate until the next admission.
		p.Spectator = true
		p.Admitted = false
	default:
		admitted := 0
		for _, q := range r.players {
			if q.ID != p.ID && q.Participating() {
				admitted++
			}
		}
		if admitted < g.ParticipantLimit {
			p.Admitted = true
		} else {
			p.Spectator = true
			p.PriorityForNextRound = true
		}
	}
}

func (g *EntryGate) handleDepartureLocked(p *Player) {
	for i, id := range g.pending {
		if id == p.ID {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			break
		}
	}
}

// OpenLobby opens the portal for arrivals to queue (host only).
func (r *Room) OpenLobby(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	g := &r.gate
	if g.PortalOpen {
		return types.ErrLobbyAlreadyOpen
	}
	if g.AdmissionInProgress {
		return types.ErrAdmissionInProgress
	}

	g.PortalOpen = true
	g.OpenedAt = r.now()

	// Priority-flagged spectators re-enter the queue ahead of new arrivals.
	for _, p := range r.order {
		if p.Spectator && p.PriorityForNextRound {
			p.Spectator = false
			p.QueuedForAdmission = true
			p.Admitted = false
		}
	}

	slog.Info("portal lobby opened", "room", r.Code)
	r.broadcastRoomUpdateLocked()
	return ""
}

// StartAdmission admits the first N queued players up to the participant
// limit, demotes the rest, and arms the admission countdown (host only).
func (r *Room) StartAdmission(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	g := &r.gate
	if !g.PortalOpen {
		return types.ErrLobbyNotOpen
	}
	if g.AdmissionInProgress {
		return types.ErrAdmissionInProgress
	}

	// Queue order: priority players first, then arrival order.
	var waiting []*Player
	for _, p := range r.order {
		if p.QueuedForAdmission {
			waiting = append(waiting, p)
		}
	}
	if len(waiting) == 0 {
		return types.ErrNoWaitingPlayers
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return waiting[i].PriorityForNextRound && !waiting[j].PriorityForNextRound
	})

	admittedNow := 0
	for _, p := range r.players {
		if p.Participating() {
			admittedNow++
		}
	}
	slots := g.ParticipantLimit - admittedNow
	if slots < 0 {
		slots = 0
	}

	g.pending = g.pending[:0]
	for i, p := range waiting {
		if i < slots {
			g.pending = append(g.pending, p.ID)
			continue
		}
		p.QueuedForAdmission = false
		p.Spectator = true
		p.PriorityForNextRound = true
	}

	g.AdmissionInProgress = true
	g.AdmissionStartsAt = r.now().Add(admissionCountdown)
	r.broadcastRoomUpdateLocked()

	g.admissionTimer = r.afterFunc(admissionCountdown, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || !r.gate.AdmissionInProgress {
			return
		}
		r.finishAdmissionLocked()
	})
	return ""
}

func (r *Room) finishAdmissionLocked() {
	g := &r.gate
	g.admissionTimer = nil

	admittedCount := 0
	for _, id := range g.pending {
		p, ok := r.players[id]
		if !ok {
			continue
		}
		p.Admitted = true
		p.QueuedForAdmission = false
		p.Spectator = false
		p.PriorityForNextRound = false
		admittedCount++
	}
	g.pending = nil

	spectatorCount, priorityCount := 0, 0
	for _, p := range r.players {
		if p.Spectator {
			spectatorCount++
		}
		if p.PriorityForNextRound {
			priorityCount++
		}
	}

	g.AdmissionInProgress = false
	g.AdmissionStartsAt = time.Time{}
	g.PortalOpen = false
	g.LastAdmissionAt = r.now()

	slog.Info("portal admission finished", "room", r.Code, "admitted", admittedCount, "spectators", spectatorCount)

	r.broadcastPriorityLocked(types.EventPortalLobbyAdmitted, map[string]any{
		"admittedCount":    admittedCount,
		"spectatorCount":   spectatorCount,
		"priorityPlayers":  priorityCount,
		"participantLimit": g.ParticipantLimit,
		"countdownMs":      admissionCountdown.Milliseconds(),
	})
	r.broadcastRoomUpdateLocked()
	r.reconcileRosterLocked()
}
