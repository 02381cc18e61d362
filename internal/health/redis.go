package health

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStore shares health counters between instances through Redis.
// Counters expire on their own after the unhealthy window, so a quiet
// upstream heals without any writer touching it.
type RedisStore struct {
	rdb    *redis.Client
	window time.Duration
	log    *zap.Logger
}

func NewRedisStore(rdb *redis.Client, window time.Duration, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, window: window, log: log}
}

func failsKey(id string) string { return "health:fails:" + id }
func lastKey(id string) string  { return "health:last:" + id }

func (s *RedisStore) Health(ctx context.Context, upstreamID string) Snapshot {
	vals, err := s.rdb.MGet(ctx, failsKey(upstreamID), lastKey(upstreamID)).Result()
	if err != nil {
		s.log.Debug("health read failed, assuming healthy",
			zap.String("upstream", upstreamID), zap.Error(err))
		return Snapshot{}
	}
	var snap Snapshot
	if v, ok := vals[0].(string); ok {
		snap.ConsecutiveFailures, _ = strconv.Atoi(v)
	}
	if v, ok := vals[1].(string); ok {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.LastFailure = time.Unix(0, nanos)
		}
	}
	return snap
}

func (s *RedisStore) ReportFailure(ctx context.Context, upstreamID string) {
	now := time.Now()
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, failsKey(upstreamID))
	pipe.Expire(ctx, failsKey(upstreamID), s.window)
	pipe.Set(ctx, lastKey(upstreamID), strconv.FormatInt(now.UnixNano(), 10), s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Debug("health failure report dropped",
			zap.String("upstream", upstreamID), zap.Error(err))
	}
}

func (s *RedisStore) ReportSuccess(ctx context.Context, upstreamID string) {
	if err := s.rdb.Del(ctx, failsKey(upstreamID), lastKey(upstreamID)).Err(); err != nil {
		s.log.Debug("health reset dropped",
			zap.String("upstream", upstreamID), zap.Error(err))
	}
}
