package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "reconcile:version"

// Cache keeps analysis reports in Redis under a global version that every
// ledger write bumps.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client or a non-positive ttl
// disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		client = nil
	}
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(append([]string{"reconcile"}, parts...), ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchReport loads a cached report or computes it with loader. Redis
// failures fall back to the loader.
func (c *Cache) FetchReport(ctx context.Context, key string, loader func(context.Context) (Report, error)) (Report, bool, error) {
	if loader == nil {
		return Report{}, false, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		report, err := loader(ctx)
		return report, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var report Report
		if err := json.Unmarshal(payload, &report); err == nil {
			return report, true, nil
		}
	}
	report, err := loader(ctx)
	if err != nil {
		return Report{}, false, err
	}
	if raw, err := json.Marshal(report); err == nil {
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	}
	return report, false, nil
}

// Bump invalidates every cached report by incrementing the version. Other
// instances read the version on every lookup.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func scopeToken(scope Scope) string {
	if scope.WarehouseID <= 0 {
		return "all"
	}
	return strconv.FormatInt(scope.WarehouseID, 10)
}
