package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as JSON strings without expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a client. Keys are stored as "<prefix>:cache:<key>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "modelgate"
	}
	return &RedisStore{client: client, prefix: prefix + ":cache:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, true, nil
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+entry.CacheKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set cache entry: %w", err)
	}
	return nil
}
