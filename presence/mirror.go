package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
)

// Mirror receives committed presence transitions for readers outside this process.
type Mirror interface {
	Online(ctx context.Context, userID string, at time.Time) error
	Offline(ctx context.Context, userID string, lastSeen time.Time) error
}

type NopMirror struct{}

func (NopMirror) Online(context.Context, string, time.Time) error  { return nil }
func (NopMirror) Offline(context.Context, string, time.Time) error { return nil }

type Record struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// RedisMirror keeps presence:<userId> records and the online_users set.
type RedisMirror struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &RedisMirror{redis: client, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (m *RedisMirror) Online(ctx context.Context, userID string, at time.Time) error {
	data, err := json.Marshal(Record{UserID: userID, Status: "online", LastSeen: at})
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKeyPrefix+userID, data, m.ttl)
		pipe.SAdd(ctx, onlineSetKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

func (m *RedisMirror) Offline(ctx context.Context, userID string, lastSeen time.Time) error {
	data, err := json.Marshal(Record{UserID: userID, Status: "offline", LastSeen: lastSeen})
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKeyPrefix+userID, data, m.ttl)
		pipe.SRem(ctx, onlineSetKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}
