// Package cache derives cache keys from effective requests and talks to
// the external cache store. Entry lifetime belongs to the store; this
// package only computes keys, interprets freshness, and decides whether a
// response may be written at all.
package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"edge-router/internal/model"
)

// ErrMiss is returned by Store.Get when the key is absent.
var ErrMiss = errors.New("cache: miss")

// Entry is one stored response. Replay must be byte-identical.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Fresh reports whether the entry may still be served without contacting
// the origin. On expiry it is a miss; revalidation is the host cache's
// business, not ours.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is the host cache capability. Get returns ErrMiss for absent
// keys; any other error is treated as a miss by callers (caching is
// best-effort and never fails a request).
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry) error
}

// Key derives the cache key from the normalized method, the effective URL
// after route rewriting, and the ordered values of the route's vary
// headers. Equal keys mean interchangeable responses, so every part that
// can distinguish a resource must be included.
func Key(method string, u *url.URL, vary []string, h http.Header) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	for _, name := range vary {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(strings.Join(h.Values(name), ","))
	}
	return b.String()
}

// Storable decides whether a response may be written under the route's
// cache rule. An explicit no-store (or private) directive always wins.
func Storable(policy model.CachePolicy, method string, status int, respHeader http.Header) bool {
	if !policy.Enabled || policy.TTL <= 0 {
		return false
	}
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMovedPermanently, http.StatusNotFound, http.StatusGone:
	default:
		return false
	}
	cc := strings.ToLower(respHeader.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return true
}

// MemoryStore is the per-isolate fallback when no external cache is
// configured. Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if !e.Fresh(time.Now()) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return e, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, e *Entry) error {
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}
