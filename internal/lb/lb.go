// Package lb picks one upstream per attempt according to the route's
// selection policy, excluding upstreams already tried in this request.
package lb

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"time"

	"edge-router/internal/health"
	"edge-router/internal/model"
)

// ErrExhausted means every upstream on the route has been tried.
var ErrExhausted = errors.New("lb: candidates exhausted")

// Selector is shared by all invocations; it holds no per-request state.
// Health reads are advisory: a failed read means "healthy, unknown".
type Selector struct {
	store health.Store
	opts  health.Options
}

func NewSelector(store health.Store, opts health.Options) *Selector {
	return &Selector{store: store, opts: opts}
}

// Next returns the next candidate for this request. tried holds upstream
// IDs already attempted; affinityKey is the extracted affinity attribute
// (empty unless the route uses the affinity policy and the request carries
// the attribute).
func (s *Selector) Next(ctx context.Context, route *model.Route, tried map[string]bool, affinityKey string) (*model.Upstream, error) {
	remaining := make([]*model.Upstream, 0, len(route.Upstreams))
	for i := range route.Upstreams {
		if !tried[route.Upstreams[i].ID] {
			remaining = append(remaining, &route.Upstreams[i])
		}
	}
	if len(remaining) == 0 {
		return nil, ErrExhausted
	}

	now := time.Now()
	healthy := make([]*model.Upstream, 0, len(remaining))
	for _, u := range remaining {
		if !s.store.Health(ctx, u.ID).Unhealthy(s.opts, now) {
			healthy = append(healthy, u)
		}
	}

	switch route.Selection.Kind {
	case model.SelectPriorityFailover:
		return pickPriority(remaining, healthy), nil
	case model.SelectAffinity:
		return s.pickAffinity(route, remaining, healthy, tried, affinityKey), nil
	default:
		return pickWeighted(remaining, healthy), nil
	}
}

// pickWeighted draws proportionally to weight among healthy candidates,
// falling back to all remaining candidates when none look healthy.
// Availability beats health purity: the health mark is soft, never a
// breaker that strands a reachable origin.
func pickWeighted(remaining, healthy []*model.Upstream) *model.Upstream {
	pool := healthy
	if len(pool) == 0 {
		pool = remaining
	}
	total := 0
	for _, u := range pool {
		total += weightOf(u)
	}
	n := rand.Intn(total)
	for _, u := range pool {
		n -= weightOf(u)
		if n < 0 {
			return u
		}
	}
	return pool[len(pool)-1]
}

// pickPriority walks candidates in (priority, declaration) order, skipping
// unhealthy ones; when everything remaining is unhealthy it falls through
// to the same order anyway so the bounded retry loop can still probe.
func pickPriority(remaining, healthy []*model.Upstream) *model.Upstream {
	pool := healthy
	if len(pool) == 0 {
		pool = remaining
	}
	best := pool[0]
	for _, u := range pool[1:] {
		if u.Priority < best.Priority {
			best = u
		}
	}
	return best
}

// pickAffinity maps the key onto cumulative weight buckets over the full
// declared upstream list, so the same key lands on the same upstream while
// the key space distributes proportionally to weight. A tried or unhealthy
// target falls back to weighted random for this request only; the mapping
// itself is never updated by transient failures.
func (s *Selector) pickAffinity(route *model.Route, remaining, healthy []*model.Upstream, tried map[string]bool, key string) *model.Upstream {
	if key == "" {
		return pickWeighted(remaining, healthy)
	}
	target := affinityTarget(route.Upstreams, key)
	if !tried[target.ID] {
		for _, u := range healthy {
			if u.ID == target.ID {
				return u
			}
		}
		if len(healthy) == 0 {
			// nothing looks healthy; the deterministic target is as
			// good a probe as any
			return target
		}
	}
	return pickWeighted(remaining, healthy)
}

// affinityTarget is a pure function of (key, upstream list, weights).
func affinityTarget(upstreams []model.Upstream, key string) *model.Upstream {
	total := 0
	for i := range upstreams {
		total += weightOf(&upstreams[i])
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	n := int(h.Sum64() % uint64(total))
	for i := range upstreams {
		n -= weightOf(&upstreams[i])
		if n < 0 {
			return &upstreams[i]
		}
	}
	return &upstreams[len(upstreams)-1]
}

func weightOf(u *model.Upstream) int {
	if u.Weight <= 0 {
		return 1
	}
	return u.Weight
}
