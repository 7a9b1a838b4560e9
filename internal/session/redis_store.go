// Package session keeps per-session state in Redis so it survives across API instances.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 12 * time.Hour

// RedisStore holds session ownership and the per-session seen-event sets.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "nj:session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) ownerKey(sessionID string) string {
	return s.prefix + sessionID + ":owner"
}

func (s *RedisStore) seenKey(sessionID string) string {
	return s.prefix + sessionID + ":seen"
}

// Bind claims sessionID for userID unless another user already holds it, and returns the
// owning user id. The binding expires after the store TTL of inactivity.
func (s *RedisStore) Bind(ctx context.Context, sessionID, userID string) (string, error) {
	key := s.ownerKey(sessionID)
	claimed, err := s.client.SetNX(ctx, key, userID, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("bind session: %w", err)
	}
	if claimed {
		return userID, nil
	}
	owner, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return s.Bind(ctx, sessionID, userID)
	}
	if err != nil {
		return "", fmt.Errorf("read session owner: %w", err)
	}
	if owner == userID {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return "", fmt.Errorf("refresh session: %w", err)
		}
	}
	return owner, nil
}

// MarkSeen adds key to the session's seen set and reports whether it was new.
func (s *RedisStore) MarkSeen(ctx context.Context, sessionID, key string) (bool, error) {
	setKey := s.seenKey(sessionID)
	pipe := s.client.TxPipeline()
	added := pipe.SAdd(ctx, setKey, key)
	pipe.Expire(ctx, setKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return added.Val() == 1, nil
}

// End removes all state of sessionID.
func (s *RedisStore) End(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.ownerKey(sessionID), s.seenKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
