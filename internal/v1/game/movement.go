package game

import (
	"math"
	"time"
)

// Movement validation bounds. The validator never rejects a sync outright;
// it clamps the proposed state toward the previous one and informs the
// client when the clamp was material.
const (
	maxHorizontalSpeed = 17.5 // units/s
	maxVerticalSpeed   = 24.0 // units/s
	maxAcceleration    = 46.0 // units/s²
	moveMargin         = 0.4  // latency jitter tolerance
	teleportCap        = 18.0 // max |d| per sync
	accelSlack         = 1.8  // Δv/dt allowance over maxAcceleration

	minDt = 1.0 / 120.0
	maxDt = 0.25

	correctionMinDistance = 0.08
	correctionCooldown    = 90 * time.Millisecond
)

// MoveResult is the outcome of validating one player:sync.
type MoveResult struct {
	Accepted      PlayerState
	Clamped       bool
	EmitCorrection bool
}

// validateMovement clamps proposed against the player's previous accepted
// state and elapsed wall time, then records the new state and velocity.
// Caller must hold the room lock.
func validateMovement(p *Player, proposed PlayerState, now time.Time) MoveResult {
	prev := p.State
	dt := now.Sub(p.Net.LastAcceptedAt).Seconds()
	if dt < minDt {
		dt = minDt
	} else if dt > maxDt {
		dt = maxDt
	}

	dx := proposed.X - prev.X
	dy := proposed.Y - prev.Y
	dz := proposed.Z - prev.Z

	clamped := false

	// 1. Horizontal speed + accel bound.
	dh := math.Hypot(dx, dz)
	maxH := moveMargin + maxHorizontalSpeed*dt + 0.5*maxAcceleration*dt*dt
	if dh > maxH {
		scale := maxH / dh
		dx *= scale
		dz *= scale
		dh = maxH
		clamped = true
	}

	// 2. Vertical bound.
	maxV := moveMargin + maxVerticalSpeed*dt
	if math.Abs(dy) > maxV {
		dy = math.Copysign(maxV, dy)
		clamped = true
	}

	// 3. Teleport cap on the total displacement.
	total := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if total > teleportCap {
		scale := teleportCap / total
		dx *= scale
		dy *= scale
		dz *= scale
		clamped = true
	}

	// 4. Acceleration smoothing on the implied velocity change.
	vx := dx / dt
	vy := dy / dt
	vz := dz / dt
	dvx := vx - p.Net.VelX
	dvy := vy - p.Net.VelY
	dvz := vz - p.Net.VelZ
	dv := math.Sqrt(dvx*dvx + dvy*dvy + dvz*dvz)
	maxDv := accelSlack * maxAcceleration * dt
	if dv > maxDv {
		scale := maxDv / dv
		vx = p.Net.VelX + dvx*scale
		vy = p.Net.VelY + dvy*scale
		vz = p.Net.VelZ + dvz*scale
		dx = vx * dt
		dy = vy * dt
		dz = vz * dt
		clamped = true
	}

	accepted := PlayerState{
		X:         prev.X + dx,
		Y:         prev.Y + dy,
		Z:         prev.Z + dz,
		Yaw:       proposed.Yaw,
		Pitch:     proposed.Pitch,
		UpdatedAt: now,
	}

	result := MoveResult{Accepted: accepted, Clamped: clamped}
	if clamped {
		p.Net.RejectedMoves++
		corrDist := distance3(accepted, proposed)
		if corrDist >= correctionMinDistance && now.Sub(p.Net.LastCorrectionAt) >= correctionCooldown {
			result.EmitCorrection = true
			p.Net.LastCorrectionAt = now
		}
	}

	p.State = accepted
	p.Net.LastAcceptedAt = now
	p.Net.VelX = vx
	p.Net.VelY = vy
	p.Net.VelZ = vz
	return result
}

func distance3(a, b PlayerState) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func horizontalDistSq(a, b PlayerState) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	return dx*dx + dz*dz
}
