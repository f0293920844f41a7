// Package cache fronts current-subscription resolution with redis. The
// cache is an optimization only: it fronts an append-only history and is
// invalidated after every committed transition, so correctness never
// depends on it. When redis is not configured the noop variant is wired
// and every read goes to the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/config"
	subscriptiondomain "github.com/smallbiznis/quotaledger/internal/subscription/domain"
)

const defaultTTL = 45 * time.Second

// ResolverCache stores the derived current subscription per organization.
type ResolverCache interface {
	GetCurrent(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.SubscriptionRecord, bool)
	SetCurrent(ctx context.Context, orgID snowflake.ID, record *subscriptiondomain.SubscriptionRecord)
	Invalidate(ctx context.Context, orgID snowflake.ID)
}

// NewRedisClient builds the shared redis client, or nil when no address is
// configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// NewResolverCache wires the redis-backed cache, falling back to the noop
// variant when redis is not configured.
func NewResolverCache(cfg config.Config, client *redis.Client, log *zap.Logger) ResolverCache {
	if client == nil {
		return noopCache{}
	}
	ttl := defaultTTL
	if cfg.Redis.TTLSeconds > 0 {
		ttl = time.Duration(cfg.Redis.TTLSeconds) * time.Second
	}
	return &redisCache{
		client: client,
		ttl:    ttl,
		log:    log.Named("subscription.cache"),
	}
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func resolverKey(orgID snowflake.ID) string {
	return fmt.Sprintf("quotaledger:subscription:current:%s", orgID.String())
}

func (c *redisCache) GetCurrent(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.SubscriptionRecord, bool) {
	raw, err := c.client.Get(ctx, resolverKey(orgID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var record subscriptiondomain.SubscriptionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		c.log.Debug("cache entry corrupt, dropping", zap.Error(err))
		c.Invalidate(ctx, orgID)
		return nil, false
	}
	return &record, true
}

func (c *redisCache) SetCurrent(ctx context.Context, orgID snowflake.ID, record *subscriptiondomain.SubscriptionRecord) {
	if record == nil {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, resolverKey(orgID), raw, c.ttl).Err(); err != nil {
		c.log.Debug("cache write failed", zap.Error(err))
	}
}

func (c *redisCache) Invalidate(ctx context.Context, orgID snowflake.ID) {
	if err := c.client.Del(ctx, resolverKey(orgID)).Err(); err != nil {
		c.log.Debug("cache invalidation failed", zap.Error(err))
	}
}

type noopCache struct{}

func (noopCache) GetCurrent(context.Context, snowflake.ID) (*subscriptiondomain.SubscriptionRecord, bool) {
	return nil, false
}
func (noopCache) SetCurrent(context.Context, snowflake.ID, *subscriptiondomain.SubscriptionRecord) {}
func (noopCache) Invalidate(context.Context, snowflake.ID)                                         {}
