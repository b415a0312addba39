package redisdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"relgraph/internal/domain/query"
	applog "relgraph/internal/platform/log"
)

// ResultCache 查询结果的 Redis 共享缓存层
type ResultCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewResultCache 创建共享结果缓存
func NewResultCache(rdb *redis.Client, ttlSeconds int) *ResultCache {
	ttl := 30 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &ResultCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "relgraph:result:",
	}
}

// GetResult 从共享缓存读取结果，未命中返回 (nil, nil)
func (c *ResultCache) GetResult(ctx context.Context, key string) (*query.Result, error) {
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result query.Result
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[Cache/Redis] Failed to unmarshal cached result", "key", key, "error", err)
		return nil, nil
	}

	applog.Debug("[Cache/Redis] Hit", "key", key)
	return &result, nil
}

// SetResult 写入结果到共享缓存
func (c *ResultCache) SetResult(ctx context.Context, key string, result *query.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// InvalidateAll 清除所有共享缓存条目（模式匹配删除）
func (c *ResultCache) InvalidateAll(ctx context.Context) int {
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[Cache/Redis] All entries invalidated", "keys_deleted", len(keys))
	}
	return len(keys)
}
