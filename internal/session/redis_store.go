// Package session tracks the active session id per user. Signing in
// replaces the previous session, so a token minted before the latest
// sign-in stops verifying. Each user has at most one live session.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionMismatch = errors.New("session superseded or unknown")

// RedisStore implements active-session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return &RedisStore{client: client, prefix: "session:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "session:"}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Activate records sessionID as the user's only live session.
func (s *RedisStore) Activate(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(userID), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return nil
}

// Verify checks that sessionID is still the user's live session.
func (s *RedisStore) Verify(ctx context.Context, userID, sessionID string) error {
	current, err := s.client.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return ErrSessionMismatch
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if current != sessionID {
		return ErrSessionMismatch
	}
	return nil
}

// Revoke drops the user's live session.
func (s *RedisStore) Revoke(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
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
