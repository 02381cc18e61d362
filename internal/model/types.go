package model

import (
	"net/url"
	"time"
)

// Selection policy kinds. Closed set, picked at config load.
const (
	SelectWeightedRandom   = "weighted_random"
	SelectPriorityFailover = "priority"
	SelectAffinity         = "affinity"
)

// Affinity key sources.
const (
	AffinityHeader = "header"
	AffinityCookie = "cookie"
)

// Upstream is one candidate origin for a route.
type Upstream struct {
	ID     string
	URL    *url.URL // scheme+host[+port][+path prefix]
	Weight int      // normalized to >= 1 by the loader
	// Priority orders failover attempts; lower first, ties by declaration order.
	Priority int
}

// Selection describes how one upstream is picked per attempt.
type Selection struct {
	Kind string
	// Affinity key source, only for SelectAffinity.
	AffinitySource string // "header" | "cookie"
	AffinityName   string
}

// CachePolicy enables response caching on a route.
type CachePolicy struct {
	Enabled bool
	TTL     time.Duration
	// Vary lists request headers whose values become part of the cache key,
	// in the configured order.
	Vary []string
}

// CORSPolicy drives response-stage CORS header injection.
type CORSPolicy struct {
	Origins     []string // allowed origins; "*" allows any
	Methods     []string
	Headers     []string
	Credentials bool
	MaxAge      time.Duration
}

// HeaderRules are applied to the request before dispatch or to the response
// after dispatch. Set values may reference matched path params as {name}
// and the wildcard remainder as {*}.
type HeaderRules struct {
	Set    map[string]string
	Remove []string
}

// RateLimitPolicy throttles a route. Scope selects the counter key.
type RateLimitPolicy struct {
	RequestsPerSecond float64
	Burst             int
	Scope             string // "route" (default) | "ip"
	Distributed       bool   // use the shared counter store when available
}

// Route binds a match pattern to an ordered upstream set plus pipeline policy.
// Declared order is precedence; routes are immutable after load.
type Route struct {
	ID      string
	Host    string   // exact (case-insensitive), "*", or "*.suffix"; empty => any
	Path    string   // literal segments, {name} params, trailing "*" wildcard
	Methods []string // empty => all methods

	Upstreams []Upstream
	Selection Selection

	Rewrite         string // path template; empty => forward matched path
	PreserveHost    bool   // forward the inbound Host instead of the upstream's
	RequestHeaders  HeaderRules
	ResponseHeaders HeaderRules
	CORS            *CORSPolicy
	Cache           CachePolicy
	RateLimit       *RateLimitPolicy

	// FatalMarksUnhealthy also reports a fatal dispatch outcome to the
	// health store, not just an aborted request.
	FatalMarksUnhealthy bool
}

// UpstreamByID returns the upstream with the given id, or nil.
func (r *Route) UpstreamByID(id string) *Upstream {
	for i := range r.Upstreams {
		if r.Upstreams[i].ID == id {
			return &r.Upstreams[i]
		}
	}
	return nil
}
