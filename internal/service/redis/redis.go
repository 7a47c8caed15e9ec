package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

// SetNX is SET key value NX EX ttl: one round trip, so check and mark cannot interleave.
func (r *RedisService) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisService) Publish(ctx context.Context, channel string, message any) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

func (r *RedisService) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.rdb.Subscribe(ctx, channel)
}

// MarkIfAbsent records key with its first-seen time. It backs both the replay
// nonce store and the resync cooldown markers.
func (r *RedisService) MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.SetNX(ctx, key, time.Now().UnixMilli(), ttl)
}

func (r *RedisService) Release(ctx context.Context, key string) error {
	return r.Del(ctx, key)
}

// IsNil reports whether err is the redis "no such key" reply.
func IsNil(err error) bool {
	return err == redis.Nil
}
