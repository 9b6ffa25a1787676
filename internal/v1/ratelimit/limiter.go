// Package ratelimit bounds per-connection ingress rates using local memory.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
)

// Default rates per connection, in ulule formatted notation.
const (
	DefaultChatRate = "30-M"
	DefaultRoomRate = "60-M"
)

// WSLimiter enforces per-connection event rates. player:sync is deliberately
// unlimited: it is already bounded by the movement validator's dt clamp.
type WSLimiter struct {
	chat *limiter.Limiter
	room *limiter.Limiter
}

// New builds a WSLimiter backed by an in-process memory store.
func New(chatRate, roomRate string) (*WSLimiter, error) {
	chat, err := limiter.NewRateFromFormatted(chatRate)
	if err != nil {
		return nil, fmt.Errorf("invalid chat rate: %w", err)
	}
	room, err := limiter.NewRateFromFormatted(roomRate)
	if err != nil {
		return nil, fmt.Errorf("invalid room rate: %w", err)
	}
	store := memory.NewStore()
	return &WSLimiter{
		chat: limiter.New(store, chat),
		room: limiter.New(store, room),
	}, nil
}

// AllowChat reports whether a chat:send from clientID may proceed.
func (l *WSLimiter) AllowChat(ctx context.Context, clientID string) bool {
	return l.allow(ctx, l.chat, "chat:"+clientID, "chat:send")
}

// AllowRoomOp reports whether a room mutation from clientID may proceed.
func (l *WSLimiter) AllowRoomOp(ctx context.Context, clientID string) bool {
	return l.allow(ctx, l.room, "room:"+clientID, "room:op")
}

func (l *WSLimiter) allow(ctx context.Context, lim *limiter.Limiter, key, event string) bool {
	res, err := lim.Get(ctx, key)
	if err != nil {
		// Store failure must not lock players out.
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(event).Inc()
		return false
	}
	return true
}
