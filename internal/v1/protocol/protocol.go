// Package protocol defines the JSON wire contract: the event envelope,
// ingress/egress payloads, and the sanitizers that convert loose client
// JSON into strict values before the room ever sees them.
package protocol

import (
	"encoding/json"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Envelope frames every message in both directions. Ack carries the
// client-chosen id the reply must echo; zero means no ack requested.
type Envelope struct {
	Event types.EventType `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// AckEnvelope is the reply to an envelope that requested an ack.
type AckEnvelope struct {
	Event string         `json:"event"`
	Ack   uint64         `json:"ack"`
	Data  map[string]any `json:"data"`
}

// AckOK builds a successful ack payload, merging extra fields.
func AckOK(extra map[string]any) map[string]any {
	data := map[string]any{"ok": true}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// AckErr builds a failed ack payload with one of the contract error strings.
func AckErr(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

// --- Ingress payloads ---

type QuickJoinPayload struct {
	Name     string `json:"name"`
	RoomCode string `json:"roomCode"`
	OwnerKey string `json:"ownerKey"`
}

type CreateRoomPayload struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type JoinRoomPayload struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type PlayerSyncPayload struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	S     float64 `json:"s"` // client-observed sprint speed, informational
}

type ChatSendPayload struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type QuestionConfig struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Answer string `json:"answer"`
}

type QuizConfigPayload struct {
	Questions   []QuestionConfig `json:"questions"`
	LockSeconds float64          `json:"lockSeconds"`
	AutoMode    *bool            `json:"autoMode"`
	AutoFinish  *bool            `json:"autoFinish"`
}

type PortalTargetPayload struct {
	TargetURL string `json:"targetUrl"`
}

type KickPlayerPayload struct {
	TargetID string `json:"targetId"`
}

type SetChatMutedPayload struct {
	TargetID string `json:"targetId"`
	Muted    bool   `json:"muted"`
}

type BillboardMedia struct {
	VisualType string `json:"visualType"`
	VisualURL  string `json:"visualUrl"`
	AudioURL   string `json:"audioUrl"`
}

type BillboardSetPayload struct {
	Target string         `json:"target"`
	Media  BillboardMedia `json:"media"`
}

// --- Egress payloads ---

// DeltaUpdate is one remote player's changed fields inside a player:delta.
// Nil fields were unchanged since the receiver's last snapshot.
type DeltaUpdate struct {
	ID types.ClientIDType `json:"id"`
	N  *string            `json:"n,omitempty"`
	A  *int               `json:"a,omitempty"`
	P  *[3]int            `json:"p,omitempty"`
	R  *[2]int            `json:"r,omitempty"`
}

type PlayerDelta struct {
	Room    types.RoomCodeType   `json:"room"`
	Tick    uint64               `json:"tick"`
	Updates []DeltaUpdate        `json:"updates,omitempty"`
	Removes []types.ClientIDType `json:"removes,omitempty"`
}

// PlayerCorrect carries the authoritative state after a clamped sync.
type PlayerCorrect struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

type ChatMessage struct {
	ID     string             `json:"id"`
	Sender types.ClientIDType `json:"sender"`
	Name   string             `json:"name"`
	Text   string             `json:"text"`
	At     types.Timestamp    `json:"at"`
}

type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

type ServerRole struct {
	Role             string `json:"role"`
	ParticipantLimit int    `json:"participantLimit"`
}

type Redirect struct {
	Endpoint string             `json:"endpoint"`
	Token    string             `json:"token"`
	RoomCode types.RoomCodeType `json:"roomCode"`
}

// --- Quantization ---

// Positions travel as ints of 0.01 units, rotations as ints of 0.001 rad.
const (
	PosScale = 100
	RotScale = 1000
)

func QuantizePos(v float64) int {
	return roundToInt(v * PosScale)
}

func QuantizeRot(v float64) int {
	return roundToInt(v * RotScale)
}

func DequantizePos(q int) float64 {
	return float64(q) / PosScale
}

func DequantizeRot(q int) float64 {
	return float64(q) / RotScale
}

func roundToInt(v float64) int {
	if v >= 0 {
		return int(v + 0.5)
	}
	return int(v - 0.5)
}
