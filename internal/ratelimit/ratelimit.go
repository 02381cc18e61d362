// Package ratelimit throttles routes with local token buckets or shared
// sliding-window counters. Limiting is fail-open: when the counter store
// is unreachable the request proceeds.
package ratelimit

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
	ratelib "golang.org/x/time/rate"

	"edge-router/internal/model"
)

// Limiter answers whether one request on a route may proceed.
type Limiter interface {
	Allow(ctx context.Context, routeID, remoteAddr string, policy *model.RateLimitPolicy) bool
}

// Local keeps per-key token buckets in process.
type Local struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func NewLocal() *Local {
	return &Local{limiters: make(map[string]*ratelib.Limiter)}
}

func (l *Local) Allow(_ context.Context, routeID, remoteAddr string, policy *model.RateLimitPolicy) bool {
	if policy == nil {
		return true
	}
	return l.allow(counterKey(routeID, remoteAddr, policy), policy.RequestsPerSecond, policy.Burst)
}

func (l *Local) allow(key string, rps float64, burst int) bool {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rps), burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}

	// pick up config changes; exact float compare is deliberate, we want
	// an exact config match
	if lim.Limit() != ratelib.Limit(rps) {
		lim.SetLimit(ratelib.Limit(rps))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}

	return lim.Allow()
}

// Tiered routes distributed policies to the shared store and everything
// else to the local buckets. Without a shared store everything is local.
type Tiered struct {
	Local       *Local
	Distributed *Distributed
	Log         *zap.Logger
}

func NewTiered(dist *Distributed, log *zap.Logger) *Tiered {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tiered{Local: NewLocal(), Distributed: dist, Log: log}
}

func (t *Tiered) Allow(ctx context.Context, routeID, remoteAddr string, policy *model.RateLimitPolicy) bool {
	if policy == nil {
		return true
	}
	if policy.Distributed && t.Distributed != nil {
		return t.Distributed.Allow(ctx, routeID, remoteAddr, policy)
	}
	return t.Local.Allow(ctx, routeID, remoteAddr, policy)
}

// counterKey scopes the counter per route, optionally per client IP.
func counterKey(routeID, remoteAddr string, policy *model.RateLimitPolicy) string {
	key := "rl:" + routeID
	if policy.Scope == "ip" {
		ip, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			ip = remoteAddr
		}
		key += ":" + ip
	}
	return key
}
