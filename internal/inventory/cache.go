package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Cache holds at most one snapshot.
type Cache interface {
	Get(ctx context.Context) (*Snapshot, bool, error)
	Set(ctx context.Context, snap *Snapshot, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type MemoryCache struct {
	mu      sync.Mutex
	snap    *Snapshot
	expires time.Time
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(context.Context) (*Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return c.snap, true, nil
}

func (c *MemoryCache) Set(_ context.Context, snap *Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.expires = c.now().Add(ttl)
	return nil
}

func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = nil
	return nil
}

// DefaultRedisKey is where RedisCache keeps the snapshot.
const DefaultRedisKey = "mcpgate:inventory"

// RedisCache shares the snapshot through redis so several admin processes
// pointed at one fleet see the same invalidations.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache connects to addr, which may be host:port or a redis:// URL.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client, key: DefaultRedisKey}, nil
}

// NewRedisCacheWithClient wraps an existing client under key.
func NewRedisCacheWithClient(client *redis.Client, key string) *RedisCache {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisCache{client: client, key: key}
}

func (c *RedisCache) Get(ctx context.Context) (*Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get inventory: %w", err)
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode inventory: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) Set(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set inventory: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("delete inventory: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
