package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryCounter tracks how often a delivery has been attempted, across
// redeliveries of the same message. Keys are message identities, not queue
// positions, so a redelivered message keeps its count.
type DeliveryCounter interface {
	// Increment records one more attempt and returns the new total.
	Increment(ctx context.Context, key string) (int64, error)
	// Reset forgets the key, after a success or a dead-letter.
	Reset(ctx context.Context, key string) error
}

// MemoryCounter counts in process. Suitable for a single consumer instance
// and for tests.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Increment(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// RedisCounter shares attempt counts between consumer instances. Counts
// expire after TTL so an abandoned key cannot pin a message forever.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCounter(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "delivery_attempts"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCounter{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCounter) key(key string) string { return c.prefix + ":" + key }

func (c *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	k := c.key(key)
	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, k, c.ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}
