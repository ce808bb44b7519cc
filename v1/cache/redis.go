package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store using a Redis backend. Entries are kept for
// their retention window via the Redis key TTL, so an Expired entry is still
// readable until retention elapses.
type RedisStore[T any] struct {
	client *redis.Client
	codec  Codec
	now    func() time.Time
}

// NewRedisStore returns a new RedisStore using the provided client.
// If codec is nil, JSONCodec is used by default.
func NewRedisStore[T any](client *redis.Client, codec Codec) *RedisStore[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisStore[T]{client: client, codec: codec, now: time.Now}
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry[T]{}, false, nil
	}
	if err != nil {
		return Entry[T]{}, false, err
	}
	var e Entry[T]
	if err := s.codec.Unmarshal(data, &e); err != nil {
		return Entry[T]{}, false, err
	}
	return e, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, e Entry[T]) error {
	data, err := s.codec.Marshal(e)
	if err != nil {
		return err
	}
	retain := e.DropAt().Sub(s.now())
	if retain <= 0 {
		return s.client.Del(ctx, key).Err()
	}
	return s.client.Set(ctx, key, data, retain).Err()
}

// Delete implements Store.Delete.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
