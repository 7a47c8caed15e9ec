package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/service/redis"
)

const keyCachePrefix = "pubkey:"

type (
	// KeyCache holds directory answers for a bounded time. Get reports a miss
	// with ok=false.
	KeyCache interface {
		Get(ctx context.Context, address string) (pub string, ok bool, err error)
		Put(ctx context.Context, address, pub string, ttl time.Duration) error
		Invalidate(ctx context.Context, address string) error
	}

	RedisKeyCache struct {
		redis *redis.RedisService
	}

	MemoryKeyCache struct {
		mu   sync.Mutex
		rows map[string]cachedKey
		now  func() time.Time
	}

	cachedKey struct {
		pub     string
		expires time.Time
	}
)

var (
	_ KeyCache = (*RedisKeyCache)(nil)
	_ KeyCache = (*MemoryKeyCache)(nil)
)

func NewRedisKeyCache(rs *redis.RedisService) *RedisKeyCache {
	return &RedisKeyCache{redis: rs}
}

func (c *RedisKeyCache) Get(ctx context.Context, address string) (string, bool, error) {
	v, err := c.redis.Get(ctx, keyCachePrefix+address)
	if redis.IsNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: key cache: %v", model.ErrTransientIO, err)
	}
	return v, true, nil
}

func (c *RedisKeyCache) Put(ctx context.Context, address, pub string, ttl time.Duration) error {
	if err := c.redis.Set(ctx, keyCachePrefix+address, pub, ttl); err != nil {
		return fmt.Errorf("%w: key cache: %v", model.ErrTransientIO, err)
	}
	return nil
}

func (c *RedisKeyCache) Invalidate(ctx context.Context, address string) error {
	if err := c.redis.Del(ctx, keyCachePrefix+address); err != nil {
		return fmt.Errorf("%w: key cache: %v", model.ErrTransientIO, err)
	}
	return nil
}

func NewMemoryKeyCache() *MemoryKeyCache {
	return &MemoryKeyCache{rows: make(map[string]cachedKey), now: time.Now}
}

func (c *MemoryKeyCache) Get(_ context.Context, address string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[address]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(row.expires) {
		delete(c.rows, address)
		return "", false, nil
	}
	return row.pub, true, nil
}

func (c *MemoryKeyCache) Put(_ context.Context, address, pub string, ttl time.Duration) error {
	c.mu.Lock()
	c.rows[address] = cachedKey{pub: pub, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryKeyCache) Invalidate(_ context.Context, address string) error {
	c.mu.Lock()
	delete(c.rows, address)
	c.mu.Unlock()
	return nil
}
