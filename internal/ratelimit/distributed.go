package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"edge-router/internal/model"
)

const window = time.Second

// Distributed counts requests in a shared sliding window so concurrent
// instances enforce one combined limit. Writers race benignly; the
// count is approximate.
type Distributed struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewDistributed(rdb *redis.Client, log *zap.Logger) *Distributed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Distributed{rdb: rdb, log: log}
}

func (d *Distributed) Allow(ctx context.Context, routeID, remoteAddr string, policy *model.RateLimitPolicy) bool {
	if policy == nil {
		return true
	}
	key := counterKey(routeID, remoteAddr, policy)
	limit := int64(policy.RequestsPerSecond) + int64(policy.Burst)

	now := time.Now()
	cutoff := now.Add(-window)

	pipe := d.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open: limiting must never fail the request
		d.log.Debug("rate limit counter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return countCmd.Val() < limit
}
