package game

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

const (
	maxChatHistory    = 100
	chatReplayLimit   = 50
	billboardBoard1   = "board1"
	billboardBoard2   = "board2"
)

// Room is a bounded collection of players sharing a code. All mutations are
// serialized under mu; methods ending in "Locked" expect the caller to hold
// it.
type Room struct {
	Code       types.RoomCodeType
	Persistent bool
	CreatedAt  time.Time

	mu      sync.RWMutex
	players map[types.ClientIDType]*Player
	order   []*Player // insertion order, drives host succession
	hostID  types.ClientIDType
	nextSeq uint64
	tick    uint64

	quiz  QuizState
	gate  EntryGate
	zones ZoneLayout

	billboard       map[string]protocol.BillboardMedia
	portalTargetURL string
	chatHistory     []protocol.ChatMessage

	maxPlayers int // participant cap
	capacity   int // total bodies incl. spectators and queue
	minPlayers int // quiz auto-start threshold

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	onEmpty        func(types.RoomCodeType)
	onRosterChange func(*Room)

	closed bool
}

// RoomOptions configures a new room. Zero fields get arena defaults.
type RoomOptions struct {
	Persistent bool
	MaxPlayers int
	Capacity   int
	MinPlayers int
	Now        func() time.Time
	AfterFunc  func(d time.Duration, f func()) *time.Timer
	OnEmpty    func(types.RoomCodeType)
	OnRoster   func(*Room)
}

// NewRoom creates a room. It is registered and torn down by the Registry.
func NewRoom(code types.RoomCodeType, opts RoomOptions) *Room {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = 50
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 120
	}
	if opts.MinPlayers <= 0 {
		opts.MinPlayers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}

	r := &Room{
		Code:       code,
		Persistent: opts.Persistent,
		CreatedAt:  opts.Now(),
		players:    make(map[types.ClientIDType]*Player),
		billboard: map[string]protocol.BillboardMedia{
			billboardBoard1: {VisualType: "none"},
			billboardBoard2: {VisualType: "none"},
		},
		zones:          DefaultZoneLayout(),
		maxPlayers:     opts.MaxPlayers,
		capacity:       opts.Capacity,
		minPlayers:     opts.MinPlayers,
		now:            opts.Now,
		afterFunc:      opts.AfterFunc,
		onEmpty:        opts.OnEmpty,
		onRosterChange: opts.OnRoster,
	}
	r.quiz = newQuizState()
	r.gate = newEntryGate(opts.MaxPlayers)
	return r
}

// --- Roster ---

// AddPlayer admits a connection into the room. Returns the contract error
// string when the room cannot take the player.
func (r *Room) AddPlayer(client types.ClientInterface) (*Player, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, types.ErrRoomNotFound
	}
	if existing, ok := r.players[client.GetID()]; ok {
		// Duplicate identity: the new connection supersedes the old one.
		slog.Info("duplicate connection, superseding", "room", r.Code, "clientId", client.GetID())
		existing.client.Disconnect()
		r.removePlayerLocked(existing)
	}
	if len(r.players) >= r.capacity {
		return nil, types.ErrRoomFull
	}

	p := newPlayer(client, r.nextSeq, r.now())
	r.nextSeq++
	r.players[p.ID] = p
	r.order = append(r.order, p)

	r.gate.handleArrivalLocked(r, p)

	if r.hostID == "" {
		r.hostID = p.ID
	}

	metrics.RoomPlayers.WithLabelValues(string(r.Code)).Set(float64(len(r.players)))

	r.broadcastRoomUpdateLocked()
	r.sendChatHistoryLocked(p)
	r.sendQuizSnapshotLocked(p)
	r.reconcileRosterLocked()
	return p, ""
}

// RemovePlayer takes a connection out of the room, reassigning the host and
// reconciling the quiz when needed.
func (r *Room) RemovePlayer(id types.ClientIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return
	}
	wasAlive := p.Alive
	r.removePlayerLocked(p)

	if len(r.players) == 0 {
		metrics.RoomPlayers.DeleteLabelValues(string(r.Code))
		if r.onEmpty != nil {
			go r.onEmpty(r.Code)
		}
		return
	}

	metrics.RoomPlayers.WithLabelValues(string(r.Code)).Set(float64(len(r.players)))
	r.broadcastRoomUpdateLocked()
	r.reconcileAfterLeaveLocked(wasAlive)
}

func (r *Room) removePlayerLocked(p *Player) {
	delete(r.players, p.ID)
	for i, q := range r.order {
		if q.ID == p.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.gate.handleDepartureLocked(p)

	if r.hostID == p.ID {
		r.hostID = ""
		// Oldest remaining player by insertion order becomes host.
		if len(r.order) > 0 {
			r.hostID = r.order[0].ID
			slog.Info("host succession", "room", r.Code, "newHost", r.hostID)
		}
		r.quiz.HostID = r.hostID
	}
}

// HostID returns the current host id.
func (r *Room) HostID() types.ClientIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

// PlayerCount returns the number of bodies in the room.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// IsEmpty reports whether the room holds no players at all.
func (r *Room) IsEmpty() bool {
	return r.PlayerCount() == 0
}

func (r *Room) isHostLocked(id types.ClientIDType) bool {
	return r.hostID != "" && r.hostID == id
}

// playableCountLocked counts admitted, non-spectator players.
func (r *Room) playableCountLocked() int {
	n := 0
	for _, p := range r.players {
		if p.Participating() {
			n++
		}
	}
	return n
}

func (r *Room) survivorsLocked() []*Player {
	var out []*Player
	for _, p := range r.order {
		if p.Alive {
			out = append(out, p)
		}
	}
	return out
}

// --- Movement ---

// HandlePlayerSync validates a proposed state, updates the player, and
// emits a correction when the clamp was material.
func (r *Room) HandlePlayerSync(id types.ClientIDType, req protocol.PlayerSyncPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return
	}
	now := r.now()
	proposed := p.sanitizeProposedState(req, now)
	result := validateMovement(p, proposed, now)
	if result.EmitCorrection {
		metrics.MovementCorrections.Inc()
		p.Send(types.EventPlayerCorrect, protocol.PlayerCorrect{
			X:     result.Accepted.X,
			Y:     result.Accepted.Y,
			Z:     result.Accepted.Z,
			Yaw:   result.Accepted.Yaw,
			Pitch: result.Accepted.Pitch,
		})
	}
}

// --- Tick ---

// Tick advances the room clock and fans out AOI deltas to every receiver.
func (r *Room) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.players) < 2 {
		return
	}
	r.tick++
	for _, receiver := range r.order {
		if delta := r.encodeDeltasLocked(receiver, r.tick); delta != nil {
			metrics.DeltasSent.Inc()
			receiver.Send(types.EventPlayerDelta, delta)
		}
	}
}

// --- Chat ---

// HandleChat fans a chat message out to the room. Returns a contract error
// string when the message is rejected.
func (r *Room) HandleChat(id types.ClientIDType, req protocol.ChatSendPayload) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return types.ErrPlayerNotFound
	}
	if p.ChatMuted {
		p.Send(types.EventChatBlocked, map[string]any{"reason": types.ErrChatMuted})
		return types.ErrChatMuted
	}
	text := protocol.SanitizeChatText(req.Text)
	if text == "" {
		return types.ErrEmptyMessage
	}

	name := p.Name
	if req.Name != "" {
		name = protocol.SanitizeName(req.Name)
	}

	msg := protocol.ChatMessage{
		ID:     uuid.NewString(),
		Sender: p.ID,
		Name:   name,
		Text:   text,
		At:     types.Timestamp(r.now().UnixMilli()),
	}
	r.chatHistory = append(r.chatHistory, msg)
	if len(r.chatHistory) > maxChatHistory {
		r.chatHistory = r.chatHistory[len(r.chatHistory)-maxChatHistory:]
	}

	r.broadcastLocked(types.EventChatMessage, msg)
	return ""
}

func (r *Room) sendChatHistoryLocked(p *Player) {
	if len(r.chatHistory) == 0 {
		return
	}
	msgs := r.chatHistory
	if len(msgs) > chatReplayLimit {
		msgs = msgs[len(msgs)-chatReplayLimit:]
	}
	out := make([]protocol.ChatMessage, len(msgs))
	copy(out, msgs)
	p.Send(types.EventChatHistory, protocol.ChatHistory{Messages: out})
}

// --- Moderation ---

// ClaimHost transfers the host role to an owner-token bearer.
func (r *Room) ClaimHost(id types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return types.ErrPlayerNotFound
	}
	if !p.OwnerToken {
		return types.ErrUnauthorized
	}
	r.hostID = p.ID
	r.quiz.HostID = p.ID
	r.broadcastRoomUpdateLocked()
	return ""
}

// KickPlayer disconnects a target on behalf of the host.
func (r *Room) KickPlayer(callerID types.ClientIDType, targetID types.ClientIDType) string {
	r.mu.Lock()

	if !r.isHostLocked(callerID) {
		r.mu.Unlock()
		return types.ErrHostOnly
	}
	if targetID == "" {
		r.mu.Unlock()
		return types.ErrTargetRequired
	}
	if targetID == callerID {
		r.mu.Unlock()
		return types.ErrCannotTargetSelf
	}
	target, ok := r.players[targetID]
	if !ok {
		r.mu.Unlock()
		return types.ErrPlayerNotFound
	}

	metrics.PlayersKicked.Inc()
	target.client.MarkKicked()
	target.SendPriority(types.EventHostKicked, map[string]any{"room": r.Code})
	client := target.client
	r.mu.Unlock()

	// Disconnect outside the lock; removal happens via the disconnect path.
	client.Disconnect()
	return ""
}

// SetChatMuted toggles a target's chat-mute flag.
func (r *Room) SetChatMuted(callerID, targetID types.ClientIDType, muted bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	if targetID == "" {
		return types.ErrTargetRequired
	}
	target, ok := r.players[targetID]
	if !ok {
		return types.ErrPlayerNotFound
	}
	target.ChatMuted = muted
	target.SendPriority(types.EventHostChatMuted, map[string]any{"muted": muted})
	return ""
}

// SetPortalTarget validates and broadcasts the portal redirect URL.
func (r *Room) SetPortalTarget(callerID types.ClientIDType, rawURL string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	if !protocol.ValidatePortalURL(rawURL) {
		return types.ErrInvalidPortalTarget
	}
	r.portalTargetURL = rawURL
	r.broadcastLocked(types.EventPortalTargetUpdate, map[string]any{"targetUrl": rawURL})
	return ""
}

// SetBillboardMedia assigns a media channel on one of the two boards.
func (r *Room) SetBillboardMedia(callerID types.ClientIDType, req protocol.BillboardSetPayload) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, ok := r.players[callerID]
	if !ok {
		return types.ErrPlayerNotFound
	}
	if !r.isHostLocked(callerID) || !caller.OwnerToken {
		return types.ErrUnauthorized
	}
	if req.Target != billboardBoard1 && req.Target != billboardBoard2 {
		return types.ErrInvalidBillboardTarget
	}
	media := req.Media
	switch media.VisualType {
	case "none":
		media.VisualURL = ""
	case "video", "image":
		if !protocol.ValidateHTTPURL(media.VisualURL, protocol.MaxPortalURLLength) {
			return types.ErrInvalidBillboardMedia
		}
	default:
		return types.ErrInvalidBillboardMedia
	}
	if media.AudioURL != "" && !protocol.ValidateHTTPURL(media.AudioURL, protocol.MaxPortalURLLength) {
		return types.ErrInvalidBillboardMedia
	}

	r.billboard[req.Target] = media
	r.broadcastLocked(types.EventBillboardUpdate, map[string]any{
		"target": req.Target,
		"media":  media,
	})
	return ""
}

// --- Broadcast & serialization ---

func (r *Room) broadcastLocked(event types.EventType, data any) {
	for _, p := range r.order {
		p.Send(event, data)
	}
}

func (r *Room) broadcastPriorityLocked(event types.EventType, data any) {
	for _, p := range r.order {
		p.SendPriority(event, data)
	}
}

func (r *Room) broadcastRoomUpdateLocked() {
	update := r.serializeLocked()
	r.broadcastPriorityLocked(types.EventRoomUpdate, update)
	if r.onRosterChange != nil {
		go r.onRosterChange(r)
	}
}

// PlayerSummary is the roster entry inside a room:update.
type PlayerSummary struct {
	ID        types.ClientIDType `json:"id"`
	Name      string             `json:"name"`
	IsHost    bool               `json:"isHost"`
	Score     int                `json:"score"`
	Alive     bool               `json:"alive"`
	Admitted  bool               `json:"admitted"`
	Spectator bool               `json:"spectator"`
	Queued    bool               `json:"queued"`
}

// RoomUpdate is the room:update payload and the quick-join reply body.
type RoomUpdate struct {
	Code         types.RoomCodeType                `json:"code"`
	HostID       types.ClientIDType                `json:"hostId"`
	Persistent   bool                              `json:"persistent"`
	Players      []PlayerSummary                   `json:"players"`
	Capacity     int                               `json:"capacity"`
	MaxPlayers   int                               `json:"maxPlayers"`
	Gate         GateSnapshot                      `json:"entryGate"`
	Billboard    map[string]protocol.BillboardMedia `json:"billboardMedia"`
	PortalTarget string                            `json:"portalTargetUrl,omitempty"`
	Quiz         QuizBrief                         `json:"quiz"`
	Closed       bool                              `json:"closed,omitempty"`
}

func (r *Room) serializeLocked() RoomUpdate {
	players := make([]PlayerSummary, 0, len(r.order))
	for _, p := range r.order {
		players = append(players, PlayerSummary{
			ID:        p.ID,
			Name:      p.Name,
			IsHost:    p.ID == r.hostID,
			Score:     p.Score,
			Alive:     p.Alive,
			Admitted:  p.Admitted,
			Spectator: p.Spectator,
			Queued:    p.QueuedForAdmission,
		})
	}
	billboard := make(map[string]protocol.BillboardMedia, len(r.billboard))
	for k, v := range r.billboard {
		billboard[k] = v
	}
	return RoomUpdate{
		Code:         r.Code,
		HostID:       r.hostID,
		Persistent:   r.Persistent,
		Players:      players,
		Capacity:     r.capacity,
		MaxPlayers:   r.maxPlayers,
		Gate:         r.gate.snapshotLocked(r),
		Billboard:    billboard,
		PortalTarget: r.portalTargetURL,
		Quiz:         r.quiz.briefLocked(),
	}
}

// Serialize returns the room:update payload for ack replies.
func (r *Room) Serialize() RoomUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serializeLocked()
}

// Summary is one row of a room:list reply.
type Summary struct {
	Code       types.RoomCodeType `json:"code"`
	Players    int                `json:"players"`
	Capacity   int                `json:"capacity"`
	HostName   string             `json:"hostName"`
	QuizActive bool               `json:"quizActive"`
	Phase      QuizPhase          `json:"phase"`
	Persistent bool               `json:"persistent"`
}

// Summarize returns the room's row for room:list.
func (r *Room) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hostName := ""
	if host, ok := r.players[r.hostID]; ok {
		hostName = host.Name
	}
	return Summary{
		Code:       r.Code,
		Players:    len(r.players),
		Capacity:   r.capacity,
		HostName:   hostName,
		QuizActive: r.quiz.Active,
		Phase:      r.quiz.Phase,
		Persistent: r.Persistent,
	}
}

// Close cancels the room's timers and disconnects everyone.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.quiz.cancelTimersLocked()
	r.gate.cancelTimerLocked()

	update := r.serializeLocked()
	update.Closed = true
	var clients []types.ClientInterface
	for _, p := range r.order {
		p.SendPriority(types.EventRoomUpdate, update)
		clients = append(clients, p.client)
	}
	r.mu.Unlock()

	slog.Info("closing room", "room", r.Code, "reason", reason)
	for _, c := range clients {
		c.Disconnect()
	}
}
