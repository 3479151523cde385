package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/flowvault/internal/vault"
)

// VaultCache is a short-lived Redis read cache for vault state. Cache
// failures degrade to database reads; the cache is never authoritative.
type VaultCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewVaultCache creates a cache against the given Redis address.
func NewVaultCache(addr string, ttl time.Duration) *VaultCache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &VaultCache{rdb: rdb, ttl: ttl}
}

func cacheKey(owner uuid.UUID) string {
	return "vault:" + owner.String()
}

// Get returns the cached vault, or nil on miss or error.
func (c *VaultCache) Get(ctx context.Context, owner uuid.UUID) *vault.Vault {
	if c == nil {
		return nil
	}

	cached, err := c.rdb.Get(ctx, cacheKey(owner)).Result()
	if err != nil {
		return nil
	}

	var v vault.Vault
	if err := json.Unmarshal([]byte(cached), &v); err != nil {
		return nil
	}
	return &v
}

// Set stores the vault state.
func (c *VaultCache) Set(ctx context.Context, v *vault.Vault) {
	if c == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, cacheKey(v.Owner), data, c.ttl)
}

// Invalidate drops the cached state after a mutation.
func (c *VaultCache) Invalidate(ctx context.Context, owner uuid.UUID) {
	if c == nil {
		return
	}
	c.rdb.Del(ctx, cacheKey(owner))
}

// Close closes the underlying Redis client.
func (c *VaultCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
