// Package bus implements the optional cross-worker presence channel over
// Redis pub/sub. Without Redis the server runs single-instance and every
// method is a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceChannel = "ox:presence"

// PresencePayload carries one worker's room summaries to its siblings.
type PresencePayload struct {
	WorkerID string          `json:"workerId"`
	Rooms    json.RawMessage `json:"rooms"`
	SentAt   int64           `json:"sentAt"`
}

// Service handles all interaction with Redis.
type Service struct {
	client   *redis.Client
	workerID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it immediately.
func NewService(addr, password, workerID string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("connected to Redis presence bus", "addr", addr, "workerId", workerID)
	return &Service{client: rdb, workerID: workerID}, nil
}

// Ping verifies connectivity for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// PublishRooms broadcasts this worker's room summaries.
func (s *Service) PublishRooms(ctx context.Context, rooms any) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}
	raw, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("failed to marshal room summaries: %w", err)
	}
	payload, err := json.Marshal(PresencePayload{
		WorkerID: s.workerID,
		Rooms:    raw,
		SentAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence payload: %w", err)
	}
	return s.client.Publish(ctx, presenceChannel, payload).Err()
}

// Subscribe delivers sibling workers' presence payloads to handler until
// ctx is cancelled. Own messages are filtered out to prevent echo.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(PresencePayload)) {
	if s == nil || s.client == nil {
		return
	}
	sub := s.client.Subscribe(ctx, presenceChannel)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload PresencePayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Warn("malformed presence payload", "error", err)
					continue
				}
				if payload.WorkerID == s.workerID {
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Close tears down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
