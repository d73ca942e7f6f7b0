package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/veramed/caregate/internal/roles"
)

// RedisStore is a Redis-backed profile store for multi-instance deployments.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed profile store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "profile:role:",
	}
}

func (s *RedisStore) GetRole(ctx context.Context, userID string) (roles.Role, error) {
	if userID == "" {
		return roles.RoleUnassigned, ErrProfileNotFound
	}

	val, err := s.client.Get(ctx, s.prefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return roles.RoleUnassigned, ErrProfileNotFound
		}
		return roles.RoleUnassigned, fmt.Errorf("redis get: %w", err)
	}

	return roles.Parse(val), nil
}

func (s *RedisStore) SetRole(ctx context.Context, userID string, role roles.Role) error {
	if userID == "" {
		return errors.New("user id cannot be empty")
	}
	// Roles have no TTL: a profile role outlives any one session.
	if err := s.client.Set(ctx, s.prefix+userID, string(role), 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteRole(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.prefix+userID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
