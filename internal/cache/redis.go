package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// goRedisClient adapts *redis.Client to the RedisClient interface.
type goRedisClient struct {
	rdb *redis.Client
}

// NewRedisClient wraps a go-redis client for use as the networked backend.
func NewRedisClient(rdb *redis.Client) RedisClient {
	return &goRedisClient{rdb: rdb}
}

func (c *goRedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *goRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (c *goRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *goRedisClient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0
	}
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *goRedisClient) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// ScanDelete walks the keyspace with SCAN rather than KEYS so large databases
// are not blocked, deleting matches in batches.
func (c *goRedisClient) ScanDelete(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}

func (c *goRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *goRedisClient) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -2: // key does not exist
		return 0, ErrKeyNotFound
	case -1: // exists without expiry
		return NoExpiry, nil
	default:
		return d, nil
	}
}

func (c *goRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}
