package game

import (
	"math"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Zone is an axis-aligned answer rectangle on the arena floor.
type Zone struct {
	MinX float64 `json:"minX"`
	MaxX float64 `json:"maxX"`
	MinZ float64 `json:"minZ"`
	MaxZ float64 `json:"maxZ"`
}

// ZoneLayout describes the O and X answer areas and the divider between them.
type ZoneLayout struct {
	O            Zone    `json:"o"`
	X            Zone    `json:"x"`
	DividerWidth float64 `json:"dividerWidth"`
}

// Center-line slack beyond the divider half-width.
const dividerSlack = 0.8

// DefaultZoneLayout mirrors the arena floor: O on the negative-x side,
// X on the positive-x side, a 4-unit divider down the middle.
func DefaultZoneLayout() ZoneLayout {
	return ZoneLayout{
		O:            Zone{MinX: -30, MaxX: -2, MinZ: -15, MaxZ: 15},
		X:            Zone{MinX: 2, MaxX: 30, MinZ: -15, MaxZ: 15},
		DividerWidth: 4,
	}
}

// innerMargin keeps judgments away from zone edges so a player straddling
// a boundary is not credited either way.
func (z Zone) innerMargin() float64 {
	dim := math.Min(z.MaxX-z.MinX, z.MaxZ-z.MinZ)
	return math.Min(0.5, 0.2*dim)
}

// containsInner reports whether (x, z) lies strictly inside the zone after
// shrinking it by the inner margin.
func (z Zone) containsInner(x, zz float64) bool {
	m := z.innerMargin()
	return x > z.MinX+m && x < z.MaxX-m && zz > z.MinZ+m && zz < z.MaxZ-m
}

// contains reports whether (x, z) lies inside the raw zone rectangle.
func (z Zone) contains(x, zz float64) bool {
	return x >= z.MinX && x <= z.MaxX && zz >= z.MinZ && zz <= z.MaxZ
}

// Choice reasons surfaced in quiz:result for eliminated players.
const (
	ReasonCenterLine      = "center-line"
	ReasonOutOfLane       = "out-of-lane"
	ReasonOffZone         = "off-zone"
	ReasonInvalidPosition = "invalid-position"
)

// JudgeChoice resolves a player's position into an answer. A nil choice
// carries the reason it failed to resolve.
func (l ZoneLayout) JudgeChoice(x, z float64) (types.ChoiceType, string) {
	if math.IsNaN(x) || math.IsNaN(z) || math.IsInf(x, 0) || math.IsInf(z, 0) {
		return types.ChoiceNone, ReasonInvalidPosition
	}

	if l.O.containsInner(x, z) && !l.X.contains(x, z) {
		return types.ChoiceO, ""
	}
	if l.X.containsInner(x, z) && !l.O.contains(x, z) {
		return types.ChoiceX, ""
	}

	if math.Abs(x) <= l.DividerWidth/2+dividerSlack {
		return types.ChoiceNone, ReasonCenterLine
	}

	minZ := math.Min(l.O.MinZ, l.X.MinZ)
	maxZ := math.Max(l.O.MaxZ, l.X.MaxZ)
	if z < minZ || z > maxZ {
		return types.ChoiceNone, ReasonOutOfLane
	}

	return types.ChoiceNone, ReasonOffZone
}
