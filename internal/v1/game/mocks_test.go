package game

import (
	"sync"
	"time"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// SentEvent records one egress event captured by a MockClient.
type SentEvent struct {
	Event    types.EventType
	Data     any
	Priority bool
}

// MockClient implements types.ClientInterface for testing.
type MockClient struct {
	ID types.ClientIDType

	mu           sync.Mutex
	name         string
	ownerToken   bool
	kicked       bool
	disconnected bool
	Events       []SentEvent
}

func NewMockClient(id, name string) *MockClient {
	return &MockClient{ID: types.ClientIDType(id), name: name}
}

func (m *MockClient) GetID() types.ClientIDType { return m.ID }

func (m *MockClient) GetName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockClient) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

func (m *MockClient) HasOwnerToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerToken
}

func (m *MockClient) SetOwnerToken(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownerToken = v
}

func (m *MockClient) Send(event types.EventType, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, SentEvent{Event: event, Data: data})
}

func (m *MockClient) SendPriority(event types.EventType, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, SentEvent{Event: event, Data: data, Priority: true})
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *MockClient) MarkKicked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicked = true
}

func (m *MockClient) IsDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *MockClient) IsKicked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kicked
}

// EventsOf returns every captured event with the given name.
func (m *MockClient) EventsOf(event types.EventType) []SentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentEvent
	for _, e := range m.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// LastEvent returns the most recent event with the given name, or nil.
func (m *MockClient) LastEvent(event types.EventType) *SentEvent {
	events := m.EventsOf(event)
	if len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

// Reset clears captured events.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = nil
}

// --- Deterministic time ---

type scheduledFn struct {
	at    time.Time
	fn    func()
	timer *time.Timer
}

// fakeScheduler drives room timers deterministically. AfterFunc hands out a
// real (inert, far-future) *time.Timer so production code can Stop() it;
// Advance fires a pending callback only when that handle was not stopped.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	queued []*scheduledFn
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(1700000000, 0)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) *time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.AfterFunc(24*time.Hour, func() {})
	s.queued = append(s.queued, &scheduledFn{at: s.now.Add(d), fn: f, timer: t})
	return t
}

// Advance moves the clock and runs due, uncancelled callbacks in order.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	deadline := s.now
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *scheduledFn
		nextIdx := -1
		for i, sf := range s.queued {
			if !sf.at.After(deadline) && (next == nil || sf.at.Before(next.at)) {
				next, nextIdx = sf, i
			}
		}
		if next == nil {
			s.mu.Unlock()
			return
		}
		s.queued = append(s.queued[:nextIdx], s.queued[nextIdx+1:]...)
		s.mu.Unlock()

		// Stop returns false when production code already cancelled it.
		if next.timer.Stop() {
			next.fn()
		}
	}
}

// --- Room construction helpers ---

func newTestRoom(sched *fakeScheduler, opts RoomOptions) *Room {
	opts.Now = sched.Now
	opts.AfterFunc = sched.AfterFunc
	return NewRoom("OX-TEST1", opts)
}

func mustJoin(t interface{ Fatalf(string, ...any) }, r *Room, c *MockClient) *Player {
	p, errStr := r.AddPlayer(c)
	if errStr != "" {
		t.Fatalf("AddPlayer(%s) failed: %s", c.ID, errStr)
	}
	return p
}
