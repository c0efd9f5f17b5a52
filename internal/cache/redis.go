package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"warden.org/internal/authz"
	"warden.org/internal/obs"
)

const (
	defaultKeyPrefix   = "warden:perm:"
	userIndexPrefix    = "warden:idx:user:"
	orgIndexPrefix     = "warden:idx:org:"
	invalidationTopic  = "warden:invalidate"
	flushAllPayload    = "*"
	indexExpiryPadding = 2 * time.Minute
)

// Redis is a shared resolution cache for multi-instance deployments. Entries
// are JSON documents keyed by (user, organization); per-user and per-org
// index sets support scoped invalidation without SCAN.
type Redis struct {
	client redis.UniversalClient
}

var (
	_ authz.ResolutionCache = (*Redis)(nil)
	_ authz.Invalidator     = (*Redis)(nil)
)

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func entryKey(userID, orgID string) string { return defaultKeyPrefix + userID + ":" + orgID }

func (c *Redis) Get(ctx context.Context, userID, orgID string) (*authz.ResolvedSet, bool) {
	raw, err := c.client.Get(ctx, entryKey(userID, orgID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.warn("get", err)
		}
		return nil, false
	}
	var set authz.ResolvedSet
	if err := json.Unmarshal(raw, &set); err != nil {
		c.warn("decode", err)
		return nil, false
	}
	return &set, true
}

func (c *Redis) Set(ctx context.Context, userID, orgID string, set *authz.ResolvedSet, ttl time.Duration) {
	if ttl <= 0 {
		ttl = authz.DefaultCacheTTL
	}
	raw, err := json.Marshal(set)
	if err != nil {
		c.warn("encode", err)
		return
	}
	key := entryKey(userID, orgID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	pipe.SAdd(ctx, userIndexPrefix+userID, key)
	pipe.Expire(ctx, userIndexPrefix+userID, ttl+indexExpiryPadding)
	pipe.SAdd(ctx, orgIndexPrefix+orgID, key)
	pipe.Expire(ctx, orgIndexPrefix+orgID, ttl+indexExpiryPadding)
	if _, err := pipe.Exec(ctx); err != nil {
		c.warn("set", err)
	}
}

func (c *Redis) InvalidateUserOrg(ctx context.Context, userID, orgID string) {
	if err := c.client.Del(ctx, entryKey(userID, orgID)).Err(); err != nil {
		c.warn("invalidate", err)
	}
	obs.ObserveCacheEvent("invalidate")
}

func (c *Redis) InvalidateUser(ctx context.Context, userID string) {
	c.dropIndexed(ctx, userIndexPrefix+userID)
}

func (c *Redis) InvalidateOrg(ctx context.Context, orgID string) {
	c.dropIndexed(ctx, orgIndexPrefix+orgID)
}

func (c *Redis) InvalidateOrgs(ctx context.Context, orgIDs []string) {
	for _, orgID := range orgIDs {
		c.dropIndexed(ctx, orgIndexPrefix+orgID)
	}
}

func (c *Redis) dropIndexed(ctx context.Context, indexKey string) {
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		c.warn("invalidate", err)
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.warn("invalidate", err)
		}
	}
	if err := c.client.Del(ctx, indexKey).Err(); err != nil {
		c.warn("invalidate", err)
	}
	obs.ObserveCacheEvent("invalidate")
}

// BroadcastFlush publishes a synchronous flush for a user (or "*" for all
// entries) to every cache instance. Emergency revocation uses this to push
// invalidation ahead of TTL expiry.
func (c *Redis) BroadcastFlush(ctx context.Context, userID string) error {
	payload := userID
	if payload == "" {
		payload = flushAllPayload
	}
	return c.client.Publish(ctx, invalidationTopic, payload).Err()
}

// Listen applies broadcast flushes to a local cache until ctx is done. Run it
// in its own goroutine on every instance that holds a local Memory cache.
func (c *Redis) Listen(ctx context.Context, local *Memory) error {
	sub := c.client.Subscribe(ctx, invalidationTopic)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == flushAllPayload {
				local.Flush(ctx)
				continue
			}
			local.InvalidateUser(ctx, msg.Payload)
		}
	}
}

func (c *Redis) warn(op string, err error) {
	obs.LogEvent(map[string]any{
		"level": "warn",
		"msg":   "redis cache " + op + " failed",
		"err":   err.Error(),
	})
}
