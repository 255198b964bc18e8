package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyspace = "storefront"

// RedisCache implements Cache on redis. Group membership is tracked in a set
// per group so InvalidateGroup can delete every key the group ever produced.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, group string, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, entryKey(group, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, group string, key string, value string, ttl time.Duration) error {
	full := entryKey(group, key)
	if err := c.client.Set(ctx, full, value, ttl).Err(); err != nil {
		return err
	}
	return c.client.SAdd(ctx, groupKey(group), full).Err()
}

func (c *RedisCache) InvalidateGroup(ctx context.Context, group string) error {
	members, err := c.client.SMembers(ctx, groupKey(group)).Result()
	if err != nil {
		return err
	}
	if len(members) > 0 {
		if err := c.client.Del(ctx, members...).Err(); err != nil {
			return err
		}
	}
	return c.client.Del(ctx, groupKey(group)).Err()
}

func entryKey(group string, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyspace, group, key)
}

func groupKey(group string) string {
	return fmt.Sprintf("%s:groups:%s", keyspace, group)
}
