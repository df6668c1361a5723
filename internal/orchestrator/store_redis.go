package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const anchorKeyPrefix = "live-relay:anchor:"

// RedisAnchorStore is a Redis-backed AnchorStore, shared by every instance
// behind the same Redis.
type RedisAnchorStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAnchorStore connects to addr and verifies the connection.
// Entries expire after ttl; zero keeps them forever.
func NewRedisAnchorStore(ctx context.Context, addr string, ttl time.Duration) (*RedisAnchorStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisAnchorStore{client: client, ttl: ttl}, nil
}

func anchorKey(id CallID) string {
	return anchorKeyPrefix + string(id)
}

// Get implements AnchorStore.Get.
func (s *RedisAnchorStore) Get(ctx context.Context, id CallID) (int64, bool, error) {
	raw, err := s.client.Get(ctx, anchorKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get anchor: %w", err)
	}
	t, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse anchor %q: %w", raw, err)
	}
	return t, true, nil
}

// Set implements AnchorStore.Set.
func (s *RedisAnchorStore) Set(ctx context.Context, id CallID, timeMs int64) error {
	if err := s.client.Set(ctx, anchorKey(id), strconv.FormatInt(timeMs, 10), s.ttl).Err(); err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	return nil
}

// Delete implements AnchorStore.Delete.
func (s *RedisAnchorStore) Delete(ctx context.Context, id CallID) error {
	if err := s.client.Del(ctx, anchorKey(id)).Err(); err != nil {
		return fmt.Errorf("delete anchor: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisAnchorStore) Close() error {
	return s.client.Close()
}
