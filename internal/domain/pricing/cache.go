package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cacheKeyPrefix = "credits:pricing:"

// Cache holds per-tenant configuration snapshots in Redis with a short TTL.
// A nil client disables caching; every lookup then hits the database.
// Tenant-scoped writes invalidate the tenant key; changes to global rules are
// only picked up on TTL expiry, which is why the TTL must stay short.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a snapshot cache
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) key(tenantID uuid.UUID) string {
	return cacheKeyPrefix + tenantID.String()
}

// Get returns the cached snapshot, or ok=false on miss or disabled cache
func (c *Cache) Get(ctx context.Context, tenantID uuid.UUID) ([]Configuration, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, c.key(tenantID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("pricing cache read failed")
		}
		return nil, false
	}

	var snapshot []Configuration
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("pricing cache entry corrupt, dropping")
		c.client.Del(ctx, c.key(tenantID))
		return nil, false
	}
	return snapshot, true
}

// Set stores a snapshot; failures are logged, never surfaced
func (c *Cache) Set(ctx context.Context, tenantID uuid.UUID, snapshot []Configuration) {
	if c == nil || c.client == nil {
		return
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		log.Warn().Err(err).Msg("pricing cache marshal failed")
		return
	}
	if err := c.client.Set(ctx, c.key(tenantID), raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("pricing cache write failed")
	}
}

// Invalidate drops the tenant's cached snapshot
func (c *Cache) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(tenantID)).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("pricing cache invalidate failed")
	}
}
