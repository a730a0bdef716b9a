package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cursors as Redis counters. Advance is a single INCR, so
// concurrent callers never lose an update; the chain length is applied on read.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a client. Keys are stored as "<prefix>:cursor:<key>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "modelgate"
	}
	return &RedisStore{client: client, prefix: prefix + ":cursor:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (int, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get cursor %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Advance(ctx context.Context, key string, chainLen int) (int, error) {
	if err := checkLen(chainLen); err != nil {
		return 0, err
	}
	v, err := s.client.Incr(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr cursor %s: %w", key, err)
	}
	return Offset(int(v), chainLen), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) List(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		raw, err := s.client.Get(ctx, full).Result()
		if err != nil {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(full, s.prefix)] = v
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
