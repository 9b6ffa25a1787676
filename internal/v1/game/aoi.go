package game

import (
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Distance-tiered broadcast cadence. Distances are horizontal (xz), squared
// to avoid the sqrt in the hot loop.
const (
	aoiNearDistSq = 42.0 * 42.0
	aoiMidDistSq  = 82.0 * 82.0
	aoiFarDistSq  = 128.0 * 128.0

	cadenceNear   = 1
	cadenceMid    = 2
	cadenceFar    = 4
	cadenceBeyond = 8

	heartbeatTicks = 20
)

func cadenceFor(distSq float64) uint64 {
	switch {
	case distSq <= aoiNearDistSq:
		return cadenceNear
	case distSq <= aoiMidDistSq:
		return cadenceMid
	case distSq <= aoiFarDistSq:
		return cadenceFar
	default:
		return cadenceBeyond
	}
}

// quantizeSnapshot packs a player's state into wire precision.
func quantizeSnapshot(p *Player) deltaEntry {
	alive := 0
	if p.Alive {
		alive = 1
	}
	return deltaEntry{
		Name:  p.Name,
		Alive: alive,
		P: [3]int{
			protocol.QuantizePos(p.State.X),
			protocol.QuantizePos(p.State.Y),
			protocol.QuantizePos(p.State.Z),
		},
		R: [2]int{
			protocol.QuantizeRot(p.State.Yaw),
			protocol.QuantizeRot(p.State.Pitch),
		},
	}
}

// encodeDeltasLocked builds the player:delta payload for one receiver, or
// nil when nothing changed. It updates the receiver's cache as a side
// effect. Caller must hold the room lock.
func (r *Room) encodeDeltasLocked(receiver *Player, tick uint64) *protocol.PlayerDelta {
	var updates []protocol.DeltaUpdate

	for _, remote := range r.order {
		if remote.ID == receiver.ID {
			continue
		}

		entry, cached := receiver.deltaCache[remote.ID]
		heartbeatDue := cached && tick-entry.LastTick >= heartbeatTicks
		cadence := cadenceFor(horizontalDistSq(receiver.State, remote.State))
		if cached && !heartbeatDue && tick%cadence != 0 {
			continue
		}

		snap := quantizeSnapshot(remote)
		update := protocol.DeltaUpdate{ID: remote.ID}
		changed := false

		if !cached || snap.Name != entry.Name {
			n := snap.Name
			update.N = &n
			changed = true
		}
		if !cached || snap.Alive != entry.Alive {
			a := snap.Alive
			update.A = &a
			changed = true
		}
		if !cached || snap.P != entry.P {
			pq := snap.P
			update.P = &pq
			changed = true
		}
		if !cached || snap.R != entry.R {
			rq := snap.R
			update.R = &rq
			changed = true
		}

		// Heartbeats resend position even when nothing moved, so a receiver
		// that lost a frame converges within 20 ticks.
		if !changed && heartbeatDue {
			pq := snap.P
			update.P = &pq
			changed = true
		}

		if !changed {
			continue
		}

		snap.LastTick = tick
		receiver.deltaCache[remote.ID] = &snap
		updates = append(updates, update)
	}

	// Cached ids that left the room.
	var removes []types.ClientIDType
	for id := range receiver.deltaCache {
		if _, present := r.players[id]; !present {
			removes = append(removes, id)
			delete(receiver.deltaCache, id)
		}
	}

	if len(updates) == 0 && len(removes) == 0 {
		return nil
	}
	return &protocol.PlayerDelta{
		Room:    r.Code,
		Tick:    tick,
		Updates: updates,
		Removes: removes,
	}
}
