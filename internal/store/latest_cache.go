package store

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LatestCache keeps the most recent payload per device and kind in redis so
// dashboards can read current values without touching postgres.
type LatestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLatestCache(rdb *redis.Client, ttl time.Duration) *LatestCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LatestCache{rdb: rdb, ttl: ttl}
}

func latestKey(deviceID, kind string) string {
	return "telemetry:latest:" + deviceID + ":" + strings.ToLower(kind)
}

func (c *LatestCache) Set(ctx context.Context, deviceID, kind string, payload []byte) error {
	return c.rdb.Set(ctx, latestKey(deviceID, kind), payload, c.ttl).Err()
}

func (c *LatestCache) Get(ctx context.Context, deviceID, kind string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, latestKey(deviceID, kind)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// Forget removes every cached kind for a device.
func (c *LatestCache) Forget(ctx context.Context, deviceID string) error {
	iter := c.rdb.Scan(ctx, 0, "telemetry:latest:"+deviceID+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
