package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/petrosight/reservoir/internal/api"
)

// RedisStatusStore publishes live session progress to Redis so API replicas
// other than the one running the session can answer status polls. Entries
// expire on their own; the session row remains the durable record.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore connects to Redis and verifies the connection.
func NewRedisStatusStore(addr, password string, db int, ttl time.Duration) (*RedisStatusStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusStore{client: client, ttl: ttl}, nil
}

func statusKey(sessionID string) string {
	return fmt.Sprintf("session:status:%s", sessionID)
}

func (r *RedisStatusStore) SetStatus(ctx context.Context, status api.SessionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := r.client.Set(ctx, statusKey(status.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStatusStore) GetStatus(ctx context.Context, sessionID string) (api.SessionStatus, error) {
	data, err := r.client.Get(ctx, statusKey(sessionID)).Result()
	if err == redis.Nil {
		return api.SessionStatus{}, fmt.Errorf("status for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return api.SessionStatus{}, fmt.Errorf("redis GET failed: %w", err)
	}

	var status api.SessionStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return api.SessionStatus{}, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return status, nil
}

func (r *RedisStatusStore) Close() error {
	return r.client.Close()
}

var _ StatusStore = (*RedisStatusStore)(nil)
