package game

import (
	"encoding/json"
	"log/slog"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// HandleEvent routes one ingress envelope into the registry or the caller's
// room and returns the ack payload, or nil when the event carries no reply.
// Malformed payloads are logged and dropped; they never crash a room.
func (s *Registry) HandleEvent(client types.ClientInterface, env protocol.Envelope) map[string]any {
	reply := s.dispatch(client, env)
	status := "ok"
	if reply != nil {
		if ok, _ := reply["ok"].(bool); !ok {
			status = "error"
		}
	}
	metrics.IngressEvents.WithLabelValues(string(env.Event), status).Inc()
	return reply
}

func (s *Registry) dispatch(client types.ClientInterface, env protocol.Envelope) map[string]any {
	switch env.Event {
	case types.EventRoomQuickJoin:
		var p protocol.QuickJoinPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrRoomCodeRequired)
		}
		update, errStr := s.QuickJoin(client, p.Name, p.RoomCode, p.OwnerKey)
		if errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(map[string]any{"room": update})

	case types.EventRoomCreate:
		var p protocol.CreateRoomPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrRoomCodeRequired)
		}
		update, errStr := s.CreateRoom(client, p.Name, p.Code)
		if errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(map[string]any{"room": update})

	case types.EventRoomJoin:
		var p protocol.JoinRoomPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrRoomCodeRequired)
		}
		update, errStr := s.JoinRoom(client, p.Name, p.Code)
		if errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(map[string]any{"room": update})

	case types.EventRoomLeave:
		if errStr := s.LeaveRoom(client); errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(nil)

	case types.EventRoomList:
		return protocol.AckOK(map[string]any{"rooms": s.ListRooms()})

	case types.EventPlayerSync:
		var p protocol.PlayerSyncPayload
		if !decode(client, env, &p) {
			return nil
		}
		room := s.RoomFor(client.GetID())
		if room == nil {
			return nil // positional noise from a roomless client is dropped
		}
		room.HandlePlayerSync(client.GetID(), p)
		return nil

	case types.EventChatSend:
		var p protocol.ChatSendPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrEmptyMessage)
		}
		room := s.RoomFor(client.GetID())
		if room == nil {
			return protocol.AckErr(types.ErrRoomNotFound)
		}
		if errStr := room.HandleChat(client.GetID(), p); errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(nil)
	}

	// Everything below requires room membership.
	room := s.RoomFor(client.GetID())
	if room == nil {
		return protocol.AckErr(types.ErrRoomNotFound)
	}
	callerID := client.GetID()

	switch env.Event {
	case types.EventQuizStart:
		return ackFrom(room.StartQuiz(callerID))
	case types.EventQuizStop:
		return ackFrom(room.StopQuiz(callerID))
	case types.EventQuizNext:
		return ackFrom(room.NextQuestion(callerID))
	case types.EventQuizPrev:
		return ackFrom(room.PrevQuestion(callerID))
	case types.EventQuizForceLock:
		return ackFrom(room.ForceLock(callerID))
	case types.EventQuizState:
		snap, errStr := room.QuizStateSnapshot(callerID)
		if errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(map[string]any{"quiz": snap})

	case types.EventQuizConfigGet:
		cfg, errStr := room.GetQuizConfig(callerID)
		if errStr != "" {
			return protocol.AckErr(errStr)
		}
		return protocol.AckOK(map[string]any{"config": cfg})

	case types.EventQuizConfigSet:
		var p protocol.QuizConfigPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrInvalidQuizConfig)
		}
		return ackFrom(room.SetQuizConfig(callerID, p))

	case types.EventPortalLobbyOpen:
		return ackFrom(room.OpenLobby(callerID))
	case types.EventPortalLobbyStart:
		return ackFrom(room.StartAdmission(callerID))

	case types.EventPortalSetTarget:
		var p protocol.PortalTargetPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrInvalidPortalTarget)
		}
		return ackFrom(room.SetPortalTarget(callerID, p.TargetURL))

	case types.EventHostClaim:
		return ackFrom(room.ClaimHost(callerID))

	case types.EventHostKickPlayer:
		var p protocol.KickPlayerPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrTargetRequired)
		}
		return ackFrom(room.KickPlayer(callerID, types.ClientIDType(p.TargetID)))

	case types.EventHostSetChatMuted:
		var p protocol.SetChatMutedPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrTargetRequired)
		}
		return ackFrom(room.SetChatMuted(callerID, types.ClientIDType(p.TargetID), p.Muted))

	case types.EventBillboardMediaSet:
		var p protocol.BillboardSetPayload
		if !decode(client, env, &p) {
			return protocol.AckErr(types.ErrInvalidBillboardMedia)
		}
		return ackFrom(room.SetBillboardMedia(callerID, p))

	default:
		slog.Warn("unknown event", "event", env.Event, "clientId", client.GetID())
		return nil
	}
}

func ackFrom(errStr string) map[string]any {
	if errStr != "" {
		return protocol.AckErr(errStr)
	}
	return protocol.AckOK(nil)
}

func decode(client types.ClientInterface, env protocol.Envelope, out any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		slog.Warn("malformed payload dropped", "event", env.Event, "clientId", client.GetID(), "error", err)
		return false
	}
	return true
}
