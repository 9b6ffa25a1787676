package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// routeClient captures events for gateway dispatch tests.
type routeClient struct {
	mu     sync.Mutex
	id     types.ClientIDType
	events []struct {
		Event types.EventType
		Data  any
	}
}

func (c *routeClient) GetID() types.ClientIDType { return c.id }
func (c *routeClient) GetName() string           { return "" }
func (c *routeClient) SetName(string)            {}
func (c *routeClient) HasOwnerToken() bool       { return false }
func (c *routeClient) SetOwnerToken(bool)        {}
func (c *routeClient) Send(event types.EventType, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, struct {
		Event types.EventType
		Data  any
	}{event, data})
}
func (c *routeClient) SendPriority(event types.EventType, data any) { c.Send(event, data) }
func (c *routeClient) Disconnect()                                  {}
func (c *routeClient) MarkKicked()                                  {}

func quickJoinEnv(t *testing.T, roomCode string) protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(protocol.QuickJoinPayload{RoomCode: roomCode})
	require.NoError(t, err)
	return protocol.Envelope{Event: types.EventRoomQuickJoin, Data: raw, Ack: 1}
}

func newTestGateway(spawn func(ctx context.Context, port int) error) *Gateway {
	return New(Options{
		Host:           "localhost",
		WorkerPortBase: 3101,
		WorkerPortMax:  3132,
		OwnerKey:       "owner-key",
		SpawnWorker:    spawn,
	})
}

func TestPortForIsConsistentAndBounded(t *testing.T) {
	g := newTestGateway(nil)

	for _, code := range []string{"OX-AAAAA", "OX-ZZZZZ", "", "MY-ROOM"} {
		first := g.portFor(code)
		assert.Equal(t, first, g.portFor(code), "hash must be stable for %q", code)
		assert.GreaterOrEqual(t, first, 3101)
		assert.LessOrEqual(t, first, 3132)
	}

	// The pool actually spreads: many codes cannot all share one worker.
	ports := map[int]bool{}
	for _, code := range []string{"OX-A", "OX-B", "OX-C", "OX-D", "OX-E", "OX-F", "OX-G", "OX-H"} {
		ports[g.portFor(code)] = true
	}
	assert.Greater(t, len(ports), 1)
}

func TestQuickJoinRedirect(t *testing.T) {
	spawned := 0
	g := newTestGateway(func(ctx context.Context, port int) error {
		spawned++
		return nil
	})

	client := &routeClient{id: "c1"}
	reply := g.HandleEvent(client, quickJoinEnv(t, "OX-ROOM1"))
	require.NotNil(t, reply)
	require.Equal(t, true, reply["ok"])
	assert.Equal(t, 1, spawned)

	redirect := reply["redirect"].(protocol.Redirect)
	assert.Equal(t, types.RoomCodeType("OX-ROOM1"), redirect.RoomCode)
	assert.Contains(t, redirect.Endpoint, "ws://localhost:")
	assert.NotEmpty(t, redirect.Token)

	// The token redeems once against the same key material.
	roomCode, err := g.Tokens().Verify(redirect.Token)
	require.NoError(t, err)
	assert.Equal(t, "OX-ROOM1", roomCode)

	// Second join to the same room reuses the confirmed worker.
	reply = g.HandleEvent(client, quickJoinEnv(t, "OX-ROOM1"))
	require.Equal(t, true, reply["ok"])
	assert.Equal(t, 1, spawned)
}

func TestQuickJoinSpawnFailure(t *testing.T) {
	g := newTestGateway(func(ctx context.Context, port int) error {
		return errors.New("no slots")
	})

	client := &routeClient{id: "c1"}
	reply := g.HandleEvent(client, quickJoinEnv(t, "OX-ROOM1"))
	require.NotNil(t, reply)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, types.ErrNoCapacity, reply["error"])
}

func TestQuickJoinSpawnBreakerOpens(t *testing.T) {
	attempts := 0
	g := newTestGateway(func(ctx context.Context, port int) error {
		attempts++
		return errors.New("boom")
	})

	client := &routeClient{id: "c1"}
	for range 6 {
		reply := g.HandleEvent(client, quickJoinEnv(t, "OX-ROOM1"))
		assert.Equal(t, types.ErrNoCapacity, reply["error"])
	}
	// After three consecutive failures the breaker opens and stops calling
	// the spawner.
	assert.LessOrEqual(t, attempts, 3)
}

func TestGatewayDraining(t *testing.T) {
	g := newTestGateway(func(ctx context.Context, port int) error { return nil })
	g.Drain()

	reply := g.HandleEvent(&routeClient{id: "c1"}, quickJoinEnv(t, "OX-ROOM1"))
	require.NotNil(t, reply)
	assert.Equal(t, types.ErrGatewayDraining, reply["error"])
}

func TestGatewayIgnoresNonJoinEvents(t *testing.T) {
	g := newTestGateway(func(ctx context.Context, port int) error { return nil })
	reply := g.HandleEvent(&routeClient{id: "c1"}, protocol.Envelope{Event: types.EventChatSend})
	assert.Nil(t, reply)
}
