// Package config loads and validates the router configuration. The
// loaded form is immutable; a config change means a new Load and a new
// routing table.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"edge-router/internal/health"
	"edge-router/internal/model"
	"edge-router/internal/router"
)

type rawConfig struct {
	Listen string `yaml:"listen"`
	Admin  string `yaml:"admin"`

	Timeouts struct {
		Budget     string `yaml:"budget"`
		MinAttempt string `yaml:"min_attempt"`
	} `yaml:"timeouts"`

	Limits struct {
		MaxResponseBytes int64 `yaml:"max_response_bytes"`
		MaxReplayBytes   int64 `yaml:"max_replay_bytes"`
		MaxCacheBytes    int64 `yaml:"max_cache_bytes"`
	} `yaml:"limits"`

	Health struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		Window           string `yaml:"window"`
	} `yaml:"health"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Sample int    `yaml:"sample"`
	} `yaml:"logging"`

	FallbackRoute string     `yaml:"fallback_route"`
	Routes        []rawRoute `yaml:"routes"`
}

type rawRoute struct {
	ID      string   `yaml:"id"`
	Host    string   `yaml:"host"`
	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods"`

	Upstreams []struct {
		ID       string `yaml:"id"`
		URL      string `yaml:"url"`
		Weight   int    `yaml:"weight"`
		Priority int    `yaml:"priority"`
	} `yaml:"upstreams"`

	Selection struct {
		Policy   string `yaml:"policy"`
		Affinity struct {
			Source string `yaml:"source"`
			Name   string `yaml:"name"`
		} `yaml:"affinity"`
	} `yaml:"selection"`

	Rewrite      string `yaml:"rewrite"`
	PreserveHost bool   `yaml:"preserve_host"`

	RequestHeaders  rawHeaderRules `yaml:"request_headers"`
	ResponseHeaders rawHeaderRules `yaml:"response_headers"`

	CORS *struct {
		Origins     []string `yaml:"origins"`
		Methods     []string `yaml:"methods"`
		Headers     []string `yaml:"headers"`
		Credentials bool     `yaml:"credentials"`
		MaxAge      string   `yaml:"max_age"`
	} `yaml:"cors"`

	Cache struct {
		Enabled bool     `yaml:"enabled"`
		TTL     string   `yaml:"ttl"`
		Vary    []string `yaml:"vary"`
	} `yaml:"cache"`

	RateLimit *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		Scope             string  `yaml:"scope"`
		Distributed       bool    `yaml:"distributed"`
	} `yaml:"rate_limit"`

	FatalMarksUnhealthy bool `yaml:"fatal_marks_unhealthy"`
}

type rawHeaderRules struct {
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// Config is the validated runtime configuration.
type Config struct {
	Listen string
	Admin  string // admin listener address; empty disables it

	Timeouts Timeouts
	Limits   Limits
	Health   health.Options
	Redis    Redis
	Logging  Logging

	// FallbackRoute, when set, names the route that handles requests no
	// pattern matched. Empty means synthesize a 404.
	FallbackRoute string
	Routes        []model.Route
}

type Timeouts struct {
	// Budget is the total wall-clock budget for one request across all
	// upstream attempts.
	Budget time.Duration
	// MinAttempt floors the per-attempt timeout carved from the budget.
	MinAttempt time.Duration
}

type Limits struct {
	MaxResponseBytes int64
	MaxReplayBytes   int64
	MaxCacheBytes    int64
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Logging struct {
	Level  string
	Format string
	Sample int
}

// Load reads, parses and validates the YAML file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates raw YAML bytes into a Config.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	cfg := &Config{
		Listen: strings.TrimSpace(rc.Listen),
		Admin:  strings.TrimSpace(rc.Admin),
		Limits: Limits{
			MaxResponseBytes: rc.Limits.MaxResponseBytes,
			MaxReplayBytes:   rc.Limits.MaxReplayBytes,
			MaxCacheBytes:    rc.Limits.MaxCacheBytes,
		},
		Redis: Redis{
			Addr:     strings.TrimSpace(rc.Redis.Addr),
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		},
		Logging: Logging{
			Level:  strings.TrimSpace(rc.Logging.Level),
			Format: strings.TrimSpace(rc.Logging.Format),
			Sample: rc.Logging.Sample,
		},
		FallbackRoute: strings.TrimSpace(rc.FallbackRoute),
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	var err error
	if cfg.Timeouts.Budget, err = duration(rc.Timeouts.Budget, 10*time.Second); err != nil {
		return nil, fmt.Errorf("timeouts.budget: %v", err)
	}
	if cfg.Timeouts.MinAttempt, err = duration(rc.Timeouts.MinAttempt, 50*time.Millisecond); err != nil {
		return nil, fmt.Errorf("timeouts.min_attempt: %v", err)
	}

	cfg.Health = health.DefaultOptions()
	if rc.Health.FailureThreshold > 0 {
		cfg.Health.FailureThreshold = rc.Health.FailureThreshold
	}
	if cfg.Health.Window, err = duration(rc.Health.Window, cfg.Health.Window); err != nil {
		return nil, fmt.Errorf("health.window: %v", err)
	}

	if len(rc.Routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}
	seen := make(map[string]bool, len(rc.Routes))
	for i, rr := range rc.Routes {
		route, err := buildRoute(rr)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if seen[route.ID] {
			return nil, fmt.Errorf("routes[%d]: duplicate id %q", i, route.ID)
		}
		seen[route.ID] = true
		cfg.Routes = append(cfg.Routes, route)
	}

	if cfg.FallbackRoute != "" && !seen[cfg.FallbackRoute] {
		return nil, fmt.Errorf("fallback_route: no route with id %q", cfg.FallbackRoute)
	}

	// pattern validation happens at compile time; reject bad configs here
	// rather than at startup
	if _, err := router.New(cfg.Routes); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildRoute(rr rawRoute) (model.Route, error) {
	var zero model.Route

	id := strings.TrimSpace(rr.ID)
	if id == "" {
		return zero, fmt.Errorf("id is required")
	}
	path := strings.TrimSpace(rr.Path)
	if !strings.HasPrefix(path, "/") {
		return zero, fmt.Errorf("path must start with '/'")
	}

	if len(rr.Upstreams) == 0 {
		return zero, fmt.Errorf("upstreams is empty")
	}
	ups := make([]model.Upstream, 0, len(rr.Upstreams))
	seen := make(map[string]bool, len(rr.Upstreams))
	for j, ru := range rr.Upstreams {
		uid := strings.TrimSpace(ru.ID)
		if uid == "" {
			uid = fmt.Sprintf("%s-%d", id, j)
		}
		if seen[uid] {
			return zero, fmt.Errorf("upstreams[%d]: duplicate id %q", j, uid)
		}
		seen[uid] = true

		u, err := url.Parse(strings.TrimSpace(ru.URL))
		if err != nil {
			return zero, fmt.Errorf("upstreams[%d]: parse: %v", j, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return zero, fmt.Errorf("upstreams[%d]: must be http(s) URL with host", j)
		}
		weight := ru.Weight
		if weight <= 0 {
			weight = 1
		}
		ups = append(ups, model.Upstream{ID: uid, URL: u, Weight: weight, Priority: ru.Priority})
	}

	sel, err := buildSelection(rr)
	if err != nil {
		return zero, err
	}

	route := model.Route{
		ID:                  id,
		Host:                strings.ToLower(strings.TrimSpace(rr.Host)),
		Path:                path,
		Methods:             rr.Methods,
		Upstreams:           ups,
		Selection:           sel,
		Rewrite:             strings.TrimSpace(rr.Rewrite),
		PreserveHost:        rr.PreserveHost,
		RequestHeaders:      model.HeaderRules{Set: rr.RequestHeaders.Set, Remove: rr.RequestHeaders.Remove},
		ResponseHeaders:     model.HeaderRules{Set: rr.ResponseHeaders.Set, Remove: rr.ResponseHeaders.Remove},
		FatalMarksUnhealthy: rr.FatalMarksUnhealthy,
	}

	if rr.Rewrite != "" && !strings.HasPrefix(route.Rewrite, "/") {
		return zero, fmt.Errorf("rewrite must start with '/'")
	}

	if rr.CORS != nil {
		if len(rr.CORS.Origins) == 0 {
			return zero, fmt.Errorf("cors: origins is required")
		}
		maxAge, err := duration(rr.CORS.MaxAge, 0)
		if err != nil {
			return zero, fmt.Errorf("cors.max_age: %v", err)
		}
		route.CORS = &model.CORSPolicy{
			Origins:     rr.CORS.Origins,
			Methods:     rr.CORS.Methods,
			Headers:     rr.CORS.Headers,
			Credentials: rr.CORS.Credentials,
			MaxAge:      maxAge,
		}
	}

	if rr.Cache.Enabled {
		ttl, err := duration(rr.Cache.TTL, 0)
		if err != nil {
			return zero, fmt.Errorf("cache.ttl: %v", err)
		}
		if ttl <= 0 {
			return zero, fmt.Errorf("cache.ttl must be positive")
		}
		route.Cache = model.CachePolicy{Enabled: true, TTL: ttl, Vary: rr.Cache.Vary}
	}

	if rr.RateLimit != nil {
		if rr.RateLimit.RequestsPerSecond <= 0 {
			return zero, fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		scope := strings.TrimSpace(rr.RateLimit.Scope)
		switch scope {
		case "":
			scope = "route"
		case "route", "ip":
		default:
			return zero, fmt.Errorf("rate_limit: unknown scope %q", scope)
		}
		route.RateLimit = &model.RateLimitPolicy{
			RequestsPerSecond: rr.RateLimit.RequestsPerSecond,
			Burst:             rr.RateLimit.Burst,
			Scope:             scope,
			Distributed:       rr.RateLimit.Distributed,
		}
	}

	return route, nil
}

func buildSelection(rr rawRoute) (model.Selection, error) {
	var zero model.Selection

	policy := strings.TrimSpace(rr.Selection.Policy)
	if policy == "" {
		policy = model.SelectWeightedRandom
	}
	switch policy {
	case model.SelectWeightedRandom, model.SelectPriorityFailover:
		return model.Selection{Kind: policy}, nil
	case model.SelectAffinity:
		source := strings.TrimSpace(rr.Selection.Affinity.Source)
		name := strings.TrimSpace(rr.Selection.Affinity.Name)
		if source != model.AffinityHeader && source != model.AffinityCookie {
			return zero, fmt.Errorf("selection.affinity: source must be header or cookie")
		}
		if name == "" {
			return zero, fmt.Errorf("selection.affinity: name is required")
		}
		return model.Selection{Kind: policy, AffinitySource: source, AffinityName: name}, nil
	}
	return zero, fmt.Errorf("selection: unknown policy %q", policy)
}

func duration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d, nil
}
