package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStatementCache shares validated entity statements across server
// instances. Keys expire with the statement's validity window, so an
// expired statement can never be served.
type RedisStatementCache struct {
	client *redis.Client
	prefix string
}

// NewRedisStatementCache creates a cache on an existing Redis client.
func NewRedisStatementCache(client *redis.Client, prefix string) *RedisStatementCache {
	return &RedisStatementCache{client: client, prefix: prefix}
}

func (c *RedisStatementCache) redisKey(entityID string) string {
	return fmt.Sprintf("%s:entity-statement:%s", c.prefix, entityID)
}

func (c *RedisStatementCache) Get(ctx context.Context, entityID string) (*EntityStatement, bool) {
	raw, err := c.client.Get(ctx, c.redisKey(entityID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Ctx(ctx).Warn().Err(err).Msg("entity statement cache read failed")
		}
		return nil, false
	}

	var statement EntityStatement
	if err := json.Unmarshal([]byte(raw), &statement); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("entity statement cache entry corrupt, dropping")
		c.Delete(ctx, entityID)
		return nil, false
	}
	if statement.Expired() {
		c.Delete(ctx, entityID)
		return nil, false
	}
	return &statement, true
}

func (c *RedisStatementCache) Set(ctx context.Context, statement *EntityStatement) {
	ttl := time.Until(statement.ExpiresAt)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(statement)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("entity statement marshal failed")
		return
	}
	if err := c.client.Set(ctx, c.redisKey(statement.EntityID), raw, ttl).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("entity statement cache write failed")
	}
}

func (c *RedisStatementCache) Delete(ctx context.Context, entityID string) {
	if err := c.client.Del(ctx, c.redisKey(entityID)).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("entity statement cache delete failed")
	}
}
