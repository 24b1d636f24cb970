package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	ownerCachePrefix = "workspace_owner:"
	ownerCacheTTL    = 5 * time.Minute
)

// OwnerSource is the authoritative owner lookup behind the cache
type OwnerSource interface {
	OwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error)
}

// OwnerCache caches workspace owner ids so every published message does not
// hit the database. Redis failures fall through to the source.
type OwnerCache struct {
	client *Client
	source OwnerSource
	ttl    time.Duration
}

// NewOwnerCache creates a new owner cache
func NewOwnerCache(client *Client, source OwnerSource) *OwnerCache {
	return &OwnerCache{client: client, source: source, ttl: ownerCacheTTL}
}

// OwnerID returns the cached owner, loading it from the source on a miss
func (c *OwnerCache) OwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error) {
	key := ownerKey(workspaceID)

	cached, err := c.client.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if id, perr := uuid.Parse(cached); perr == nil {
			return id, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("workspace_id", workspaceID.String()).Msg("Owner cache read failed")
	}

	ownerID, err := c.source.OwnerID(ctx, workspaceID)
	if err != nil {
		return uuid.Nil, err
	}

	if err := c.client.rdb.Set(ctx, key, ownerID.String(), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("workspace_id", workspaceID.String()).Msg("Owner cache write failed")
	}

	return ownerID, nil
}

func ownerKey(workspaceID uuid.UUID) string {
	return fmt.Sprintf("%s%s", ownerCachePrefix, workspaceID.String())
}
