package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/ratelimit"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Dispatcher is the business layer behind a hub: a game registry on a
// worker, the routing table on a gateway.
type Dispatcher interface {
	HandleConnect(client types.ClientInterface)
	HandleEvent(client types.ClientInterface, env protocol.Envelope) map[string]any
	HandleDisconnect(client types.ClientInterface)
}

// Client represents a single connection to the arena. It implements
// types.ClientInterface.
type Client struct {
	conn       wsConnection
	dispatcher Dispatcher
	limiter    *ratelimit.WSLimiter // nil disables rate limiting (tests)

	ID types.ClientIDType

	mu         sync.RWMutex
	name       string
	ownerToken bool
	kicked     bool
	closed     bool

	closeOnce sync.Once

	send         chan []byte // normal messages (deltas, chat)
	prioritySend chan []byte // state-changing messages (room/quiz/ack)
}

const (
	sendQueueSize     = 256
	priorityQueueSize = 256
	writeWait         = 10 * time.Second
)

// --- types.ClientInterface ---

func (c *Client) GetID() types.ClientIDType {
	return c.ID
}

func (c *Client) GetName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *Client) HasOwnerToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ownerToken
}

func (c *Client) SetOwnerToken(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownerToken = v
}

func (c *Client) MarkKicked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
}

// IsKicked reports whether a host removed this connection.
func (c *Client) IsKicked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kicked
}

func (c *Client) Disconnect() {
	c.conn.Close()
}

// Send enqueues an event on the normal queue, dropping under backpressure.
func (c *Client) Send(event types.EventType, data any) {
	payload, ok := c.marshal(event, data)
	if !ok {
		return
	}
	defer c.recoverClosedSend()
	select {
	case c.send <- payload:
	default:
		metrics.DroppedMessages.WithLabelValues("normal").Inc()
		slog.Warn("send queue full, dropping message", "clientId", c.ID, "event", event)
	}
}

// SendPriority enqueues a state-changing event ahead of normal traffic.
func (c *Client) SendPriority(event types.EventType, data any) {
	payload, ok := c.marshal(event, data)
	if !ok {
		return
	}
	defer c.recoverClosedSend()
	select {
	case c.prioritySend <- payload:
	default:
		metrics.DroppedMessages.WithLabelValues("priority").Inc()
		slog.Error("priority queue full, dropping critical message", "clientId", c.ID, "event", event)
	}
}

// recoverClosedSend absorbs the race between a concurrent close and an
// in-flight enqueue.
func (c *Client) recoverClosedSend() {
	if r := recover(); r != nil {
		slog.Debug("send to closed client", "clientId", c.ID)
	}
}

func (c *Client) marshal(event types.EventType, data any) ([]byte, bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, false
	}
	c.mu.RUnlock()

	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal event payload", "event", event, "error", err)
		return nil, false
	}
	payload, err := json.Marshal(protocol.Envelope{Event: event, Data: raw})
	if err != nil {
		slog.Error("failed to marshal envelope", "event", event, "error", err)
		return nil, false
	}
	return payload, true
}

func (c *Client) sendAck(ack uint64, data map[string]any) {
	raw, err := json.Marshal(protocol.AckEnvelope{Event: "ack", Ack: ack, Data: data})
	if err != nil {
		slog.Error("failed to marshal ack", "clientId", c.ID, "error", err)
		return
	}
	defer c.recoverClosedSend()
	select {
	case c.prioritySend <- raw:
	default:
		metrics.DroppedMessages.WithLabelValues("priority").Inc()
	}
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
	})
}

// readPump processes incoming messages until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.dispatcher.HandleDisconnect(c)
		c.markClosed()
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("failed to unmarshal envelope", "clientId", c.ID, "error", err)
			continue
		}
		if env.Event == "" {
			continue
		}
		if !c.allow(env.Event) {
			continue
		}

		reply := c.dispatcher.HandleEvent(c, env)
		if env.Ack != 0 && reply != nil {
			c.sendAck(env.Ack, reply)
		}
	}
}

// allow applies per-connection rate limits to ingress classes.
func (c *Client) allow(event types.EventType) bool {
	if c.limiter == nil {
		return true
	}
	ctx := context.Background()
	switch event {
	case types.EventChatSend:
		return c.limiter.AllowChat(ctx, string(c.ID))
	case types.EventRoomQuickJoin, types.EventRoomCreate, types.EventRoomJoin, types.EventRoomLeave:
		return c.limiter.AllowRoomOp(ctx, string(c.ID))
	default:
		return true
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				c.finishWrites()
				return
			}
			if err := c.writeFrame(message); err != nil {
				slog.Error("error writing priority message", "error", err)
				return
			}
		case message, ok := <-c.send:
			if !ok {
				c.finishWrites()
				return
			}
			if err := c.writeFrame(message); err != nil {
				slog.Error("error writing message", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeFrame(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// finishWrites drains frames buffered before the queues were closed, then
// sends the close frame.
func (c *Client) finishWrites() {
	c.drainQueue(c.prioritySend)
	c.drainQueue(c.send)
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) drainQueue(ch chan []byte) {
	for {
		select {
		case message, ok := <-ch:
			if !ok {
				return
			}
			if err := c.writeFrame(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
