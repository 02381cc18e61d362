// Package pipeline runs the ordered request- and response-stage
// transforms around dispatch. Stages are plain functions over an explicit
// RequestContext value; short-circuits (cache hits) are return values,
// never panics or hidden control flow.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"edge-router/internal/cache"
	"edge-router/internal/model"
	"edge-router/internal/router"
)

// RequestContext is the per-invocation state. Created when handling
// starts, discarded when it ends, never shared across invocations.
type RequestContext struct {
	In     *http.Request
	Route  *model.Route
	Params router.Params

	// Deadline is the wall-clock budget for all attempts of this request.
	Deadline time.Time
	// Tried holds upstream IDs already attempted.
	Tried map[string]bool
	// AffinityKey is the extracted affinity attribute, empty when the
	// route does not use affinity or the request lacks the attribute.
	AffinityKey string

	// Effective request after request-stage transforms.
	Method string
	URL    *url.URL    // rewritten path on the inbound scheme/host
	Header http.Header // outbound headers, hop-by-hop stripped

	CacheKey string
}

type Pipeline struct {
	store cache.Store
	log   *zap.Logger
	// maxCacheBody caps how much of a response is buffered for storage;
	// larger responses stream through uncached.
	maxCacheBody int64
}

func New(store cache.Store, maxCacheBody int64, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if maxCacheBody <= 0 {
		maxCacheBody = 4 << 20
	}
	return &Pipeline{store: store, log: log, maxCacheBody: maxCacheBody}
}

// NewContext builds the RequestContext for one invocation.
func NewContext(r *http.Request, route *model.Route, params router.Params, budget time.Duration) *RequestContext {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	return &RequestContext{
		In:          r,
		Route:       route,
		Params:      params,
		Deadline:    time.Now().Add(budget),
		Tried:       make(map[string]bool, len(route.Upstreams)),
		AffinityKey: affinityKey(r, route),
		Method:      r.Method,
		URL:         u,
		Header:      r.Header.Clone(),
	}
}

func affinityKey(r *http.Request, route *model.Route) string {
	if route.Selection.Kind != model.SelectAffinity {
		return ""
	}
	switch route.Selection.AffinitySource {
	case model.AffinityCookie:
		if c, err := r.Cookie(route.Selection.AffinityName); err == nil {
			return c.Value
		}
	default:
		return r.Header.Get(route.Selection.AffinityName)
	}
	return ""
}

// RunRequest applies the request-stage transforms in order: path rewrite,
// request header rules, cache-key derivation and lookup. A non-nil entry
// means a fresh cache hit; the caller skips selection and dispatch
// entirely and goes straight to the response stage on the cached payload.
func (p *Pipeline) RunRequest(ctx context.Context, rc *RequestContext) *cache.Entry {
	rewritePath(rc)
	applyHeaderRules(rc.Header, rc.Route.RequestHeaders, rc.Params)

	if !rc.Route.Cache.Enabled {
		return nil
	}
	rc.CacheKey = cache.Key(rc.Method, rc.URL, rc.Route.Cache.Vary, rc.In.Header)
	if rc.Method != http.MethodGet && rc.Method != http.MethodHead {
		return nil
	}
	entry, err := p.store.Get(ctx, rc.CacheKey)
	if err != nil {
		// any store trouble, including a plain miss, means dispatch
		if err != cache.ErrMiss {
			p.log.Debug("cache read failed, treating as miss",
				zap.String("route", rc.Route.ID), zap.Error(err))
		}
		return nil
	}
	if !entry.Fresh(time.Now()) {
		return nil
	}
	return entry
}

// RunResponse applies the response-stage transforms to a live upstream
// response: response header rules, cache store, CORS injection. The entry
// is stored with the rewritten headers but without per-request CORS
// headers, so replay is verbatim plus fresh CORS.
func (p *Pipeline) RunResponse(ctx context.Context, rc *RequestContext, res *http.Response) {
	applyHeaderRules(res.Header, rc.Route.ResponseHeaders, rc.Params)
	p.maybeStore(ctx, rc, res)
	injectCORS(rc, res.Header)
}

// RunCached turns a cache hit into a response. Live-only header rules do
// not run again (the stored headers already carry them); CORS is injected
// per request.
func (p *Pipeline) RunCached(rc *RequestContext, e *cache.Entry) *http.Response {
	h := make(http.Header, len(e.Header))
	for k, vv := range e.Header {
		h[k] = append([]string(nil), vv...)
	}
	injectCORS(rc, h)
	return &http.Response{
		StatusCode:    e.Status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

func (p *Pipeline) maybeStore(ctx context.Context, rc *RequestContext, res *http.Response) {
	if rc.CacheKey == "" || !cache.Storable(rc.Route.Cache, rc.Method, res.StatusCode, res.Header) {
		return
	}
	body, overflow, err := bufferBody(res, p.maxCacheBody)
	if err != nil {
		p.log.Debug("cache buffering failed", zap.String("route", rc.Route.ID), zap.Error(err))
		return
	}
	if overflow {
		return
	}
	entry := &cache.Entry{
		Status:    res.StatusCode,
		Header:    res.Header.Clone(),
		Body:      body,
		ExpiresAt: time.Now().Add(rc.Route.Cache.TTL),
	}
	if err := p.store.Put(ctx, rc.CacheKey, entry); err != nil {
		// best-effort: a failed write never fails the request
		p.log.Debug("cache write failed", zap.String("route", rc.Route.ID), zap.Error(err))
	}
}

// bufferBody reads up to limit bytes and rewinds res.Body so the caller
// can still stream the full response. overflow means the body exceeded
// the limit; the buffered prefix is stitched back onto the stream.
func bufferBody(res *http.Response, limit int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		_ = res.Body.Close()
		res.Body = io.NopCloser(bytes.NewReader(buf))
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		res.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), res.Body), res.Body}
		return nil, true, nil
	}
	_ = res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, false, nil
}

func applyHeaderRules(h http.Header, rules model.HeaderRules, params router.Params) {
	for _, name := range rules.Remove {
		h.Del(name)
	}
	for name, tmpl := range rules.Set {
		h.Set(name, Expand(tmpl, params))
	}
}

// Expand substitutes {name} references with matched path params; the
// wildcard remainder is {*}. Unknown references are left as-is.
func Expand(tmpl string, params router.Params) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	out := tmpl
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func rewritePath(rc *RequestContext) {
	if rc.Route.Rewrite == "" {
		return
	}
	p := Expand(rc.Route.Rewrite, rc.Params)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	rc.URL.Path = p
}
