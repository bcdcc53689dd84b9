package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/redis/go-redis/v9"
)

const identityKeyPrefix = "drawspell:identity:"

// IdentityStore keeps identity blobs in Redis.
type IdentityStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdentityStore returns a store over rdb. A zero ttl keeps blobs forever.
func NewIdentityStore(rdb *redis.Client, ttl time.Duration) *IdentityStore {
	return &IdentityStore{rdb: rdb, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func identityKey(sessionID string) string { return identityKeyPrefix + sessionID }

func (s *IdentityStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, identityKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get identity: %w", err)
	}
	return b, nil
}

func (s *IdentityStore) Set(ctx context.Context, sessionID string, blob []byte) error {
	if err := s.rdb.Set(ctx, identityKey(sessionID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set identity: %w", err)
	}
	return nil
}

func (s *IdentityStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, identityKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete identity: %w", err)
	}
	return nil
}
