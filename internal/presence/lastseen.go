package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastSeenStore persists the last time each user was seen.
type LastSeenStore interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

const DefaultLastSeenKey = "presence:last_seen"

// RedisLastSeenStore keeps last-seen timestamps in one Redis hash.
type RedisLastSeenStore struct {
	client *redis.Client
	key    string
}

func NewRedisLastSeenStore(client *redis.Client, key string) *RedisLastSeenStore {
	if key == "" {
		key = DefaultLastSeenKey
	}
	return &RedisLastSeenStore{client: client, key: key}
}

func (s *RedisLastSeenStore) Touch(ctx context.Context, userID string, at time.Time) error {
	return s.client.HSet(ctx, s.key, userID, at.UnixMilli()).Err()
}

func (s *RedisLastSeenStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
