// Package handler ties matching, throttling, the transform pipeline and
// dispatch into one http.Handler.
package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"edge-router/internal/metrics"
	"edge-router/internal/model"
	"edge-router/internal/pipeline"
	"edge-router/internal/proxy"
	"edge-router/internal/ratelimit"
	"edge-router/internal/router"
)

// Engine serves one request end to end: match, throttle, request-stage
// transforms, dispatch or cached replay, response-stage transforms.
type Engine struct {
	table      *router.Table
	pipe       *pipeline.Pipeline
	dispatcher *proxy.Dispatcher
	limiter    ratelimit.Limiter
	metrics    *metrics.Registry
	log        *zap.Logger

	// budget is the wall-clock allowance for all upstream attempts of a
	// single request.
	budget time.Duration
	// fallback handles requests no pattern matched; nil means 404.
	fallback *model.Route
}

type Options struct {
	Budget        time.Duration
	FallbackRoute string // route id; empty disables the fallback
}

func NewEngine(table *router.Table, pipe *pipeline.Pipeline, d *proxy.Dispatcher, limiter ratelimit.Limiter, m *metrics.Registry, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	e := &Engine{
		table:      table,
		pipe:       pipe,
		dispatcher: d,
		limiter:    limiter,
		metrics:    m,
		log:        log,
		budget:     budget,
	}
	if opts.FallbackRoute != "" {
		routes := table.Routes()
		for i := range routes {
			if routes[i].ID == opts.FallbackRoute {
				e.fallback = &routes[i]
				break
			}
		}
	}
	return e
}

var _ http.Handler = (*Engine)(nil)

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	routeID := ""
	defer func() {
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		e.log.Info("request",
			zap.String("method", r.Method),
			zap.String("host", r.Host),
			zap.String("path", r.URL.Path),
			zap.String("route", routeID),
			zap.Int("status", status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.Int64("bytes", sw.bytes),
			zap.String("remote", r.RemoteAddr))
		if e.metrics != nil {
			e.metrics.IncRequest(routeID, r.Method, strconv.Itoa(status))
			e.metrics.ObserveLatency(routeID, duration)
		}
	}()

	route, params, ok := e.table.Match(r.Method, r.Host, r.URL.Path)
	if !ok {
		if e.fallback == nil {
			http.NotFound(sw, r)
			return
		}
		route, params = e.fallback, router.Params{}
	}
	routeID = route.ID

	if e.limiter != nil && !e.limiter.Allow(r.Context(), route.ID, r.RemoteAddr, route.RateLimit) {
		if e.metrics != nil {
			e.metrics.IncRateLimited(route.ID)
		}
		http.Error(sw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	rc := pipeline.NewContext(r, route, params, e.budget)

	if entry := e.pipe.RunRequest(r.Context(), rc); entry != nil {
		if e.metrics != nil {
			e.metrics.IncCache(route.ID, "hit")
		}
		e.write(sw, e.pipe.RunCached(rc, entry))
		return
	}
	if rc.CacheKey != "" && e.metrics != nil {
		e.metrics.IncCache(route.ID, "miss")
	}

	res := e.dispatcher.Do(r.Context(), rc)
	// 5xx out of dispatch is always synthesized (upstream 5xx retries and
	// ends synthesized too); transforms apply only to upstream responses
	if res.StatusCode < http.StatusInternalServerError {
		e.pipe.RunResponse(r.Context(), rc, res)
	}
	e.write(sw, res)
}

func (e *Engine) write(w http.ResponseWriter, res *http.Response) {
	h := w.Header()
	for k, vv := range res.Header {
		h[k] = vv
	}
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		if _, err := io.Copy(w, res.Body); err != nil {
			e.log.Debug("copying response body", zap.Error(err))
		}
		_ = res.Body.Close()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
