// Package cache stores computed dashboard payloads in Redis, keyed by
// dataset, version and filter set.
//
// The cache is best effort: every Redis failure is logged and reported as a
// miss, so dashboards keep working when Redis is down.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paineis/internal/dashboard"
	"paineis/internal/metrics"
)

// Client is the subset of *redis.Client used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Payloads caches dashboard.Payload values.
type Payloads struct {
	client Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// New returns a payload cache. A nil client (including a typed nil
// *redis.Client) or a zero ttl disables caching.
func New(client Client, prefix string, ttl time.Duration, logger *zap.Logger) *Payloads {
	if rc, ok := client.(*redis.Client); ok && rc == nil {
		client = nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Payloads{client: client, prefix: prefix, ttl: ttl, logger: logger.Named("cache")}
}

func (c *Payloads) enabled() bool { return c != nil && c.client != nil && c.ttl > 0 }

// Key is "<prefix>:<dataset>:<version>:<sha256(filter json)[:16]>". Equal
// filters always produce equal keys.
func Key(prefix string, datasetID, versionID int64, f dashboard.Filter) string {
	raw, _ := json.Marshal(f)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%d:%d:%s", prefix, datasetID, versionID, hex.EncodeToString(sum[:8]))
}

// Get returns the cached payload, if any.
func (c *Payloads) Get(ctx context.Context, datasetID, versionID int64, f dashboard.Filter) (*dashboard.Payload, bool) {
	if !c.enabled() {
		return nil, false
	}
	key := Key(c.prefix, datasetID, versionID, f)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.IncCounter(metrics.CacheTotal, 1, metrics.Labels{"result": "miss"})
		return nil, false
	case err != nil:
		metrics.IncCounter(metrics.CacheTotal, 1, metrics.Labels{"result": "error"})
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var p dashboard.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		metrics.IncCounter(metrics.CacheTotal, 1, metrics.Labels{"result": "error"})
		c.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	metrics.IncCounter(metrics.CacheTotal, 1, metrics.Labels{"result": "hit"})
	return &p, true
}

// Set stores p for the TTL. Failures are logged only.
func (c *Payloads) Set(ctx context.Context, datasetID, versionID int64, f dashboard.Filter, p *dashboard.Payload) {
	if !c.enabled() || p == nil {
		return
	}
	key := Key(c.prefix, datasetID, versionID, f)

	raw, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}
