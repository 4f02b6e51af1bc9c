package federation

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStatementCache caches entity statements in-process, evicting them
// at the end of their validity window.
type MemoryStatementCache struct {
	cache *ttlcache.Cache[string, *EntityStatement]
}

// NewMemoryStatementCache creates a started cache.
func NewMemoryStatementCache() *MemoryStatementCache {
	c := &MemoryStatementCache{
		cache: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, *EntityStatement](),
		),
	}
	go c.cache.Start()
	return c
}

// Stop terminates the expiry janitor.
func (c *MemoryStatementCache) Stop() { c.cache.Stop() }

func (c *MemoryStatementCache) Get(_ context.Context, entityID string) (*EntityStatement, bool) {
	item := c.cache.Get(entityID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *MemoryStatementCache) Set(_ context.Context, statement *EntityStatement) {
	ttl := time.Until(statement.ExpiresAt)
	if ttl <= 0 {
		return
	}
	c.cache.Set(statement.EntityID, statement, ttl)
}

func (c *MemoryStatementCache) Delete(_ context.Context, entityID string) {
	c.cache.Delete(entityID)
}
