package game

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Room code generation. The alphabet avoids visually ambiguous glyphs.
const (
	roomCodePrefix   = "OX-"
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 5
	roomCodeRetries  = 24
)

// Options configures a Registry. Zero fields get arena defaults.
type Options struct {
	MaxRoomPlayers int
	RoomCapacity   int
	MaxActiveRooms int
	QuizMinPlayers int
	TickInterval   time.Duration
	OwnerKey       string
	GracePeriod    time.Duration
	Now            func() time.Time
	AfterFunc      func(d time.Duration, f func()) *time.Timer
}

// Registry owns every room in the process and the connection→room mapping.
// Cross-references are ids; rooms never point back into the registry.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	rooms    map[types.RoomCodeType]*Room
	byClient map[types.ClientIDType]*Room
	lobby    map[types.ClientIDType]types.ClientInterface
	cleanups map[types.RoomCodeType]*time.Timer
	siblings map[string]siblingPresence
}

// siblingPresence is another worker's advertised room set, merged into
// room:list when a presence bus is configured.
type siblingPresence struct {
	rooms  []Summary
	seenAt time.Time
}

// siblingTTL expires presence from workers that stopped advertising.
const siblingTTL = 15 * time.Second

// NewRegistry creates an empty registry. Tests instantiate their own rather
// than sharing a package-level singleton.
func NewRegistry(opts Options) *Registry {
	if opts.MaxRoomPlayers <= 0 {
		opts.MaxRoomPlayers = 50
	}
	if opts.RoomCapacity <= 0 {
		opts.RoomCapacity = 120
	}
	if opts.MaxActiveRooms <= 0 {
		opts.MaxActiveRooms = 64
	}
	if opts.QuizMinPlayers <= 0 {
		opts.QuizMinPlayers = 1
	}
	if opts.TickInterval < 30*time.Millisecond {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	return &Registry{
		opts:     opts,
		rooms:    make(map[types.RoomCodeType]*Room),
		byClient: make(map[types.ClientIDType]*Room),
		lobby:    make(map[types.ClientIDType]types.ClientInterface),
		cleanups: make(map[types.RoomCodeType]*time.Timer),
		siblings: make(map[string]siblingPresence),
	}
}

// Run drives the fixed tick until ctx is cancelled. Each tick iterates a
// snapshot of the room set so joins during the tick cannot corrupt it.
func (s *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			for _, room := range s.snapshotRooms() {
				room.Tick()
			}
			metrics.TickDuration.Observe(time.Since(started).Seconds())
		}
	}
}

func (s *Registry) snapshotRooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// --- Connection lifecycle ---

// HandleConnect registers a connection that is not yet in any room.
func (s *Registry) HandleConnect(client types.ClientInterface) {
	s.mu.Lock()
	s.lobby[client.GetID()] = client
	s.mu.Unlock()
}

// HandleDisconnect removes a connection from its room, if any.
func (s *Registry) HandleDisconnect(client types.ClientInterface) {
	id := client.GetID()
	s.mu.Lock()
	delete(s.lobby, id)
	room := s.byClient[id]
	delete(s.byClient, id)
	s.mu.Unlock()

	if room != nil {
		room.RemovePlayer(id)
	}
}

// RoomFor returns the room a connection currently occupies.
func (s *Registry) RoomFor(id types.ClientIDType) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byClient[id]
}

// --- Join / create / leave ---

// CheckOwnerKey compares a presented key in constant time.
func (s *Registry) CheckOwnerKey(presented string) bool {
	if s.opts.OwnerKey == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.opts.OwnerKey), []byte(presented)) == 1
}

// QuickJoin picks or creates a joinable room, preferring the requested code.
func (s *Registry) QuickJoin(client types.ClientInterface, name, rawCode, ownerKey string) (RoomUpdate, string) {
	if s.CheckOwnerKey(ownerKey) {
		client.SetOwnerToken(true)
	}
	s.applyName(client, name)

	if rawCode != "" {
		code, ok := normalizeCode(rawCode)
		if !ok {
			return RoomUpdate{}, types.ErrRoomCodeRequired
		}
		if room := s.lookupRoom(code); room != nil {
			return s.joinRoom(client, room)
		}
		return s.createAndJoin(client, code, false)
	}

	// Prefer the fullest room that still has space, for livelier arenas.
	var best *Room
	bestCount := -1
	for _, room := range s.snapshotRooms() {
		n := room.PlayerCount()
		if n > bestCount && n < s.opts.RoomCapacity {
			best, bestCount = room, n
		}
	}
	if best != nil {
		if update, errStr := s.joinRoom(client, best); errStr == "" {
			return update, ""
		}
	}
	return s.createAndJoin(client, s.generateCode(), false)
}

// CreateRoom creates a new room with an optional explicit code and joins it.
func (s *Registry) CreateRoom(client types.ClientInterface, name, rawCode string) (RoomUpdate, string) {
	s.applyName(client, name)

	code := s.generateCode()
	if rawCode != "" {
		normalized, ok := normalizeCode(rawCode)
		if !ok {
			return RoomUpdate{}, types.ErrRoomCodeRequired
		}
		if s.lookupRoom(normalized) != nil {
			return RoomUpdate{}, types.ErrRoomAlreadyExists
		}
		code = normalized
	}
	return s.createAndJoin(client, code, false)
}

// JoinRoom joins an existing room by code.
func (s *Registry) JoinRoom(client types.ClientInterface, name, rawCode string) (RoomUpdate, string) {
	if rawCode == "" {
		return RoomUpdate{}, types.ErrRoomCodeRequired
	}
	code, ok := normalizeCode(rawCode)
	if !ok {
		return RoomUpdate{}, types.ErrRoomCodeRequired
	}
	room := s.lookupRoom(code)
	if room == nil {
		return RoomUpdate{}, types.ErrRoomNotFound
	}
	s.applyName(client, name)
	return s.joinRoom(client, room)
}

// LeaveRoom removes a connection from its current room.
func (s *Registry) LeaveRoom(client types.ClientInterface) string {
	id := client.GetID()
	s.mu.Lock()
	room := s.byClient[id]
	if room != nil {
		delete(s.byClient, id)
		s.lobby[id] = client
	}
	s.mu.Unlock()

	if room == nil {
		return types.ErrRoomNotFound
	}
	room.RemovePlayer(id)
	return ""
}

// ListRooms returns summaries of every active room, including rooms other
// workers advertise over the presence bus.
func (s *Registry) ListRooms() []Summary {
	rooms := s.snapshotRooms()
	summaries := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		summaries = append(summaries, r.Summarize())
	}

	s.mu.Lock()
	now := s.opts.Now()
	for workerID, presence := range s.siblings {
		if now.Sub(presence.seenAt) > siblingTTL {
			delete(s.siblings, workerID)
			continue
		}
		summaries = append(summaries, presence.rooms...)
	}
	s.mu.Unlock()
	return summaries
}

// LocalRooms returns only this worker's summaries, for presence publishing.
func (s *Registry) LocalRooms() []Summary {
	rooms := s.snapshotRooms()
	summaries := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		summaries = append(summaries, r.Summarize())
	}
	return summaries
}

// SetSiblingRooms records another worker's advertised room set.
func (s *Registry) SetSiblingRooms(workerID string, rooms []Summary) {
	s.mu.Lock()
	s.siblings[workerID] = siblingPresence{rooms: rooms, seenAt: s.opts.Now()}
	s.mu.Unlock()
}

func (s *Registry) applyName(client types.ClientInterface, name string) {
	if name != "" || client.GetName() == "" {
		client.SetName(protocol.SanitizeName(name))
	}
}

func (s *Registry) lookupRoom(code types.RoomCodeType) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[code]
}

func (s *Registry) joinRoom(client types.ClientInterface, room *Room) (RoomUpdate, string) {
	if _, errStr := room.AddPlayer(client); errStr != "" {
		return RoomUpdate{}, errStr
	}

	s.mu.Lock()
	if timer, ok := s.cleanups[room.Code]; ok {
		timer.Stop()
		delete(s.cleanups, room.Code)
	}
	delete(s.lobby, client.GetID())
	s.byClient[client.GetID()] = room
	s.mu.Unlock()

	s.broadcastRoomList()
	return room.Serialize(), ""
}

func (s *Registry) createAndJoin(client types.ClientInterface, code types.RoomCodeType, persistent bool) (RoomUpdate, string) {
	s.mu.Lock()
	if len(s.rooms) >= s.opts.MaxActiveRooms {
		s.mu.Unlock()
		return RoomUpdate{}, types.ErrRoomLimitReached
	}
	if _, exists := s.rooms[code]; exists {
		s.mu.Unlock()
		return RoomUpdate{}, types.ErrRoomAlreadyExists
	}
	room := NewRoom(code, RoomOptions{
		Persistent: persistent,
		MaxPlayers: s.opts.MaxRoomPlayers,
		Capacity:   s.opts.RoomCapacity,
		MinPlayers: s.opts.QuizMinPlayers,
		Now:        s.opts.Now,
		AfterFunc:  s.opts.AfterFunc,
		OnEmpty:    s.scheduleRoomCleanup,
		OnRoster:   func(*Room) { s.broadcastRoomList() },
	})
	s.rooms[code] = room
	s.mu.Unlock()

	metrics.ActiveRooms.Inc()
	slog.Info("room created", "room", code)
	return s.joinRoom(client, room)
}

// EnsurePersistentRoom pre-creates a room that survives emptying. Called at
// startup for each code in PERSISTENT_ROOMS; existing rooms are untouched.
func (s *Registry) EnsurePersistentRoom(rawCode string) error {
	code, ok := normalizeCode(rawCode)
	if !ok {
		return fmt.Errorf("invalid persistent room code %q", rawCode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[code]; exists {
		return nil
	}
	if len(s.rooms) >= s.opts.MaxActiveRooms {
		return fmt.Errorf("room limit reached before creating %q", code)
	}
	room := NewRoom(code, RoomOptions{
		Persistent: true,
		MaxPlayers: s.opts.MaxRoomPlayers,
		Capacity:   s.opts.RoomCapacity,
		MinPlayers: s.opts.QuizMinPlayers,
		Now:        s.opts.Now,
		AfterFunc:  s.opts.AfterFunc,
		OnEmpty:    s.scheduleRoomCleanup,
		OnRoster:   func(*Room) { s.broadcastRoomList() },
	})
	s.rooms[code] = room
	metrics.ActiveRooms.Inc()
	slog.Info("persistent room created", "room", code)
	return nil
}

// scheduleRoomCleanup deletes an emptied, non-persistent room after a grace
// period, cancelled when someone rejoins in time.
func (s *Registry) scheduleRoomCleanup(code types.RoomCodeType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[code]
	if !ok || room.Persistent {
		return
	}
	if existing, ok := s.cleanups[code]; ok {
		existing.Stop()
	}
	s.cleanups[code] = s.opts.AfterFunc(s.opts.GracePeriod, func() {
		s.mu.Lock()
		room, ok := s.rooms[code]
		if !ok || !room.IsEmpty() {
			delete(s.cleanups, code)
			s.mu.Unlock()
			return
		}
		delete(s.rooms, code)
		delete(s.cleanups, code)
		s.mu.Unlock()

		room.Close("empty room grace period expired")
		metrics.ActiveRooms.Dec()
		metrics.RoomPlayers.DeleteLabelValues(string(code))
		s.broadcastRoomList()
	})
}

// broadcastRoomList pushes summaries to every connection outside a room.
func (s *Registry) broadcastRoomList() {
	summaries := s.ListRooms()
	s.mu.Lock()
	clients := make([]types.ClientInterface, 0, len(s.lobby))
	for _, c := range s.lobby {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Send(types.EventRoomList, map[string]any{"rooms": summaries})
	}
}

// Shutdown closes every room.
func (s *Registry) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for code, timer := range s.cleanups {
		timer.Stop()
		delete(s.cleanups, code)
	}
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[types.RoomCodeType]*Room)
	s.mu.Unlock()

	for _, r := range rooms {
		r.Close("server shutting down")
		metrics.ActiveRooms.Dec()
	}
	slog.Info("all rooms closed", "count", len(rooms))
}

// --- Stats ---

// TopRoomStats describes the busiest room for /health.
type TopRoomStats struct {
	Code     types.RoomCodeType `json:"code"`
	Players  int                `json:"players"`
	Capacity int                `json:"capacity"`
	HostName string             `json:"hostName"`
	Quiz     QuizBrief          `json:"quiz"`
}

// Stats is the arena summary for /health.
type Stats struct {
	Rooms           int           `json:"rooms"`
	Online          int           `json:"online"`
	TotalPlayers    int           `json:"totalPlayers"`
	ActiveQuizRooms int           `json:"activeQuizRooms"`
	CapacityPerRoom int           `json:"capacityPerRoom"`
	MaxActiveRooms  int           `json:"maxActiveRooms"`
	TickRate        int           `json:"tickRate"`
	TopRoom         *TopRoomStats `json:"topRoom,omitempty"`
}

// Snapshot gathers stats across all rooms.
func (s *Registry) Snapshot() Stats {
	rooms := s.snapshotRooms()
	s.mu.Lock()
	online := len(s.lobby) + len(s.byClient)
	s.mu.Unlock()

	stats := Stats{
		Rooms:           len(rooms),
		Online:          online,
		CapacityPerRoom: s.opts.RoomCapacity,
		MaxActiveRooms:  s.opts.MaxActiveRooms,
		TickRate:        int(time.Second / s.opts.TickInterval),
	}
	var top *Room
	topCount := -1
	for _, r := range rooms {
		n := r.PlayerCount()
		stats.TotalPlayers += n
		r.mu.RLock()
		if r.quiz.Active {
			stats.ActiveQuizRooms++
		}
		r.mu.RUnlock()
		if n > topCount {
			top, topCount = r, n
		}
	}
	if top != nil {
		top.mu.RLock()
		hostName := ""
		if host, ok := top.players[top.hostID]; ok {
			hostName = host.Name
		}
		stats.TopRoom = &TopRoomStats{
			Code:     top.Code,
			Players:  len(top.players),
			Capacity: top.capacity,
			HostName: hostName,
			Quiz:     top.quiz.briefLocked(),
		}
		top.mu.RUnlock()
	}
	return stats
}

// --- Codes ---

func normalizeCode(raw string) (types.RoomCodeType, bool) {
	code, ok := protocol.NormalizeRoomCode(raw)
	return types.RoomCodeType(code), ok
}

func (s *Registry) generateCode() types.RoomCodeType {
	for range roomCodeRetries {
		var b strings.Builder
		b.WriteString(roomCodePrefix)
		for range roomCodeLength {
			b.WriteByte(roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))])
		}
		code := types.RoomCodeType(b.String())
		if s.lookupRoom(code) == nil {
			return code
		}
	}
	// Collision storm: fall back to a timestamp code.
	return types.RoomCodeType(roomCodePrefix + strings.ToUpper(strconv.FormatInt(s.opts.Now().UnixMilli(), 36)))
}
