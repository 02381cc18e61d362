// Package metrics keeps routing counters and exposes them in the
// Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds metrics. Keys are "name|labels".
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]uint64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

var counterHelp = map[string]string{
	"requests_total":          "Total number of routed requests",
	"upstream_attempts_total": "Total number of upstream attempts by outcome",
	"cache_events_total":      "Cache lookups by result",
	"rate_limited_total":      "Requests rejected by the rate limiter",
}

// order fixes the exposition order of counter families.
var counterOrder = []string{
	"requests_total", "upstream_attempts_total", "cache_events_total", "rate_limited_total",
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncRequest(route, method, status string) {
	r.inc(fmt.Sprintf("requests_total|route=%q,method=%q,status=%q", route, method, status))
}

// IncAttempt counts one upstream attempt. Outcome is success, retryable
// or fatal.
func (r *Registry) IncAttempt(route, upstream, outcome string) {
	r.inc(fmt.Sprintf("upstream_attempts_total|route=%q,upstream=%q,outcome=%q", route, upstream, outcome))
}

// IncCache counts a cache lookup. Event is hit or miss.
func (r *Registry) IncCache(route, event string) {
	r.inc(fmt.Sprintf("cache_events_total|route=%q,event=%q", route, event))
}

func (r *Registry) IncRateLimited(route string) {
	r.inc(fmt.Sprintf("rate_limited_total|route=%q", route))
}

func (r *Registry) inc(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) ObserveLatency(route string, duration time.Duration) {
	key := fmt.Sprintf("request_duration_seconds|route=%q", route)
	val := duration.Seconds()

	// Default buckets: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{
			Buckets: buckets,
			Counts:  make([]uint64, len(buckets)),
		}
		r.histograms[key] = h
	}

	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, family := range counterOrder {
		wrote := false
		for _, k := range keys {
			name, labels, ok := splitKey(k)
			if !ok || name != family {
				continue
			}
			if !wrote {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", family, counterHelp[family])
				_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", family)
				wrote = true
			}
			_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.counters[k])
		}
	}

	keys = make([]string, 0, len(r.histograms))
	for k := range r.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		_, _ = fmt.Fprintln(w, "# HELP request_duration_seconds Request duration in seconds")
		_, _ = fmt.Fprintln(w, "# TYPE request_duration_seconds histogram")
		for _, k := range keys {
			name, labels, ok := splitKey(k)
			if !ok {
				continue
			}
			h := r.histograms[k]
			for i, b := range h.Buckets {
				_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
			}
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
			_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
			_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
		}
	}
}

func splitKey(k string) (name, labels string, ok bool) {
	parts := strings.SplitN(k, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
